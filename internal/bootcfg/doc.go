// Package bootcfg is the boot-configuration collaborator.
//
// Boot entries are systemd-boot-style .conf files in an entries directory;
// a separate pointer file names the entry that boots next. Only the
// deployment engine writes here, and every write is temp-file + rename so
// no intermediate state can ever be booted.
package bootcfg
