// Package main hosts the ctbb CLI entrypoint and command graph.
//
// Every command takes a library root (or a launch file naming one) and works
// directly on the files under it: the queue, the ledgers, the lock markers,
// and the run logs. There is no daemon socket; `ctbb daemon` and `ctbbd` run
// the scheduler in the foreground and `ctbb launch` starts one detached.
package main
