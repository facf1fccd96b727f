// Package scheduler is the daemon control loop.
//
// Each pass takes the queue lock, reloads the queue file, probes every device
// lock, and pops one descriptor per free device, handing the pair to a
// Spawner. Worker outcomes are never reported back: a device becomes
// available again only when its worker releases the device lock. The loop
// ends once the queue is empty and no worker it started in-process is still
// running.
//
// One daemon runs per library; Claim takes the daemon lock before devices are
// enumerated.
package scheduler
