// Package library resolves the on-disk layout of a reconstruction library.
//
// A library root holds raw/ (reference and reduced-dose raw data plus base
// parameter templates), recon/<dose>/<study>/ (per-study outputs with log/
// and img/ subdirectories), log/ (daemon and run logs) and .proc/ (queue,
// ledgers, lock markers and settings). Case identifiers are the MD5 of the
// source file so repeated submissions of the same scan share raw data.
package library
