package conn

// InputShutdown is delivered when the remote end stopped sending. Local writes
// may still succeed.
type InputShutdown struct{}

func (InputShutdown) String() string { return "input shutdown" }

// InputShutdownReadComplete follows InputShutdown once no further data can be
// read from the connection.
type InputShutdownReadComplete struct{}

func (InputShutdownReadComplete) String() string { return "input shutdown read complete" }

// OutputShutdown is delivered after the local write direction was closed.
type OutputShutdown struct{}

func (OutputShutdown) String() string { return "output shutdown" }
