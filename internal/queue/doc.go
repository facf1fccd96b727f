// Package queue holds job descriptors waiting for a device.
//
// The queue is a plain text file, one descriptor per line
// (source_path,dose,kernel,slice_thickness), shared between the scheduler
// and any number of submitters. Every reader and writer holds the "queue"
// named lock for the duration of its read-modify-write. Store keeps the
// scheduler's in-memory copy and rewrites the whole file after every removal,
// so a popped descriptor never reappears on disk. Duplicate lines are legal
// and independent; order in the file is the dispatch order.
package queue
