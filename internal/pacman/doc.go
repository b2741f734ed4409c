// Package pacman is the package-manager collaborator.
//
// grove defines only the transaction envelope around package-manager
// invocations; dependency resolution and the package format belong to the
// wrapped tool. Commands run chrooted into a snapshot's working copy, with
// output streamed through to the operator.
package pacman
