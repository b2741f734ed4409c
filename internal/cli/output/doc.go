// Package output renders CLI results as tables, trees, JSON or YAML.
package output
