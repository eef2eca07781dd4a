// Package scheduler dispatches step programs onto physical actuators.
//
// Every actuator (resource) owns a backlog of pending step ids, a running
// flag and a static priority list. Schedule appends a step to the backlog and
// dispatches: if the resource is idle the highest-priority pending step is
// taken, the resource is marked running and the step body is started on its
// own goroutine. When the body returns (success, error or panic) the running
// flag is cleared and the resource is dispatched again, so a backlog drains
// one step at a time in priority order.
//
// At most one step body executes per resource at any instant. Resources are
// independent: there is no global lock and a long step on one arm never
// delays the other.
//
// # Emergency stop
//
// EmergencyStop bypasses the backlog entirely and asks the configured
// Stopper to halt every resource concurrently. A failure on one resource is
// reported but never prevents the others from being halted. Running step
// bodies are not cancelled; they observe the halt through their motion
// primitives failing or completing early.
//
// # Usage
//
//	sched, err := scheduler.New(
//	    scheduler.Priorities{"dobot1": {2, 1}, "dobot2": {5, 4, 3}},
//	    bodies,
//	    scheduler.WithLogger(log),
//	    scheduler.WithStopper(links),
//	)
//	if err != nil { ... }
//	defer sched.Shutdown(ctx)
//
//	err = sched.Schedule(2, "dobot1")
package scheduler
