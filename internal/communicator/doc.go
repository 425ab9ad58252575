// Package communicator connects the accessory layer to the runnable.
//
// A Communicator owns the command line and quiet interval, the current
// process supervisor and an ordered list of listeners. Every JSON value the
// runnable emits is handed to each listener registered at that moment, in
// registration order.
//
//	comm := communicator.New(communicator.Config{
//	    CommandLine: "./runnable --serial /dev/ttyUSB0",
//	    Interval:    250 * time.Millisecond,
//	})
//	comm.SetLogger(log)
//
//	unsubscribe := comm.Subscribe(func(msg json.RawMessage) {
//	    // route update
//	})
//	defer unsubscribe()
//
//	if err := comm.Connect(); err != nil {
//	    log.Warn("runnable not started", "error", err)
//	}
//	defer comm.Disconnect()
package communicator
