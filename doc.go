// Package ptar creates and extracts POSIX pax/tar archives in parallel
// across a fixed-size group of cooperating workers that each write to
// disjoint byte ranges of one shared archive file.
//
// The package is organized the way distri's internal packages are: small
// leaf packages (collective, flist, headerenc, layout, index, workqueue,
// fdcache, lustre, progress) composed by two top-level engines, create and
// extract. Callers construct a collective.Group to describe how many
// workers participate, hand it a flist.FileList, and call create.Create
// or extract.Extract.
package ptar
