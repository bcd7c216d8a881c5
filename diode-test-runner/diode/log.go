package diode

import "github.com/CrabeDeFrance/lidi/diode-test-runner/log"

// LogAssertNoPanics returns a handler which checks that a diode process did
// not panic.
func LogAssertNoPanics() log.WatcherHandlerFactory {
	return log.AssertNotContains("panicked at", "process panicked")
}

// LogAssertNoStartupFailures returns a handler which checks that diode-send
// and diode-receive parsed their configuration and started.
func LogAssertNoStartupFailures() log.WatcherHandlerFactory {
	return log.AssertNotContains("failed to start diode", "diode failed to start")
}

// LogAssertParametersMatch returns a handler which checks that diode-receive
// did not report transport parameters differing from diode-send's.
func LogAssertParametersMatch() log.WatcherHandlerFactory {
	return log.AssertNotContains("Parameters from diode-send are different", "transport parameters mismatch")
}

// LogAssertNoCorruptedSessions returns a handler which checks that
// diode-receive did not drop a session after losing a block.
func LogAssertNoCorruptedSessions() log.WatcherHandlerFactory {
	return log.AssertNotContains("session is corrupted", "session corruption detected")
}

// LogAssertCorruptedSessions returns a handler which checks that
// diode-receive dropped at least one session after losing a block.
func LogAssertCorruptedSessions() log.WatcherHandlerFactory {
	return log.AssertContains("session is corrupted", "session corruption not detected")
}
