/*
Package execution tracks script executions on the host and relays their output to the connections watching them.

An execution is keyed by an operator-supplied execute ID and owns at most one live process. Watchers are
attached with StartOrAttach, which spawns the process if the ID has no running execution, and detached with
StopWatcher. A process keeps running when its last watcher leaves; it is removed from the registry once it
exits, after every watcher still attached has been sent an ExitEvent.

Each watcher gets its own bounded queue drained by its own goroutine, so a slow connection never blocks the
process or the other watchers. A watcher whose queue overflows is detached and evicted rather than having
lines dropped, so every watcher sees a gap-free, in-order prefix of the output.

Lock order is execution before registry; the registry lock is never held while acquiring an execution lock.
*/
package execution
