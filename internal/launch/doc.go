// Package launch turns a YAML batch description and a case list into queue
// descriptors and submits them to a library.
//
// A launch file names the library, the case list, and the dose, slice
// thickness, and kernel axes. Every case is expanded across every
// combination, case outermost and kernel innermost, and the result is
// appended (or, with priority "high", prepended) to the queue under the
// queue lock. Base parameter files sitting next to each raw file are copied
// into the library's raw/ directory first.
package launch
