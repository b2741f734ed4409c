// Package confloader loads configuration through koanf.
//
// Sources merge with priority flag > env > file > default. A CLI run
// loads once at startup; there is no live reload.
package confloader
