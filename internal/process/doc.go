// Package process supervises the object detector when the core runs it as
// a child process.
//
// The Manager starts the command in its own process group, logs its
// output line by line and restarts it with exponential backoff when it
// exits. A liveness watchdog kills and restarts a detector that is still
// running but has stopped publishing detections:
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "detector",
//	    Command:          "python3",
//	    Args:             []string{"-m", "detector", "--broker", "localhost"},
//	    RestartOnFailure: true,
//	    LastActivity:     feed.LastSeen,
//	    StaleAfter:       30 * time.Second,
//	})
//	mgr.SetLogger(logger)
//	return mgr.Run(ctx)
package process
