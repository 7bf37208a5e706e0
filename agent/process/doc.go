/*
Package process runs script bodies as child processes on the host and exposes their output as a stream of lines.

A Runner writes the script body to a file in its script directory and runs it with the configured interpreter,
in a new process group, with stderr merged into stdout. The returned Process is single-use: its Lines channel
is closed once the output has been read to completion, after which Done is closed and Result holds the exit
status. To run the script again, spawn a new Process.

Terminate sends SIGTERM to the whole process group, then SIGKILL if the group is still alive after the
Runner's grace period. It may be called any number of times, from any goroutine, before or after exit.
*/
package process
