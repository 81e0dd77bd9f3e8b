package conn

// Handler is one processing stage of a connection pipeline. All methods run
// on the connection's execution context.
//
// An error returned from Attached, HandleMessage or HandleEvent is passed to
// the same stage's HandleError.
type Handler interface {
	// Attached runs once when the connection starts.
	Attached(ctx *Context) error
	HandleMessage(ctx *Context, msg []byte) error
	HandleEvent(ctx *Context, ev any) error
	// HandleInactive runs once, after the connection closed.
	HandleInactive(ctx *Context)
	HandleError(ctx *Context, err error)
}

// Passthrough forwards every callback to the next stage. Embed it to
// implement only the callbacks a stage cares about.
type Passthrough struct{}

func (Passthrough) Attached(*Context) error { return nil }

func (Passthrough) HandleMessage(ctx *Context, msg []byte) error {
	ctx.FireMessage(msg)
	return nil
}

func (Passthrough) HandleEvent(ctx *Context, ev any) error {
	ctx.FireEvent(ev)
	return nil
}

func (Passthrough) HandleInactive(ctx *Context) { ctx.FireInactive() }

func (Passthrough) HandleError(ctx *Context, err error) { ctx.FireError(err) }

// Pipeline is the ordered list of stages installed on a Conn.
type Pipeline struct {
	conn     *Conn
	stages   []*Context
	attached bool
}

// Context binds a Handler to its position in a pipeline.
type Context struct {
	conn    *Conn
	pipe    *Pipeline
	idx     int
	handler Handler
}

// AddLast appends stages. Before Conn.Start it may be called from any single
// goroutine; afterwards only from the connection's execution context, in which
// case Attached runs immediately.
func (p *Pipeline) AddLast(hs ...Handler) {
	for _, h := range hs {
		ctx := &Context{conn: p.conn, pipe: p, idx: len(p.stages), handler: h}
		p.stages = append(p.stages, ctx)
		if p.attached {
			p.attachOne(ctx)
		}
	}
}

// Handlers returns the installed stages in order.
func (p *Pipeline) Handlers() []Handler {
	hs := make([]Handler, len(p.stages))
	for i, ctx := range p.stages {
		hs[i] = ctx.handler
	}
	return hs
}

// Len returns the number of installed stages.
func (p *Pipeline) Len() int { return len(p.stages) }

func (p *Pipeline) attach() {
	p.attached = true
	for _, ctx := range p.stages {
		p.attachOne(ctx)
	}
}

func (p *Pipeline) attachOne(ctx *Context) {
	if err := ctx.handler.Attached(ctx); err != nil {
		ctx.handler.HandleError(ctx, err)
	}
}

func (p *Pipeline) messageAt(i int, msg []byte) {
	if i >= len(p.stages) {
		p.conn.log.Debug().Int("bytes", len(msg)).Msg("message reached end of pipeline, discarded")
		return
	}
	ctx := p.stages[i]
	if err := ctx.handler.HandleMessage(ctx, msg); err != nil {
		ctx.handler.HandleError(ctx, err)
	}
}

func (p *Pipeline) eventAt(i int, ev any) {
	if i >= len(p.stages) {
		return
	}
	ctx := p.stages[i]
	if err := ctx.handler.HandleEvent(ctx, ev); err != nil {
		ctx.handler.HandleError(ctx, err)
	}
}

func (p *Pipeline) inactiveAt(i int) {
	if i >= len(p.stages) {
		return
	}
	ctx := p.stages[i]
	ctx.handler.HandleInactive(ctx)
}

func (p *Pipeline) errorAt(i int, err error) {
	if i >= len(p.stages) {
		p.conn.log.Debug().Err(err).Msg("unhandled error, closing")
		_ = p.conn.Close()
		return
	}
	ctx := p.stages[i]
	ctx.handler.HandleError(ctx, err)
}

// Conn returns the connection the stage is installed on.
func (c *Context) Conn() *Conn { return c.conn }

// Handler returns the stage itself.
func (c *Context) Handler() Handler { return c.handler }

// FireMessage passes msg to the next stage.
func (c *Context) FireMessage(msg []byte) { c.pipe.messageAt(c.idx+1, msg) }

// FireEvent passes ev to the next stage.
func (c *Context) FireEvent(ev any) { c.pipe.eventAt(c.idx+1, ev) }

// FireInactive passes the close notification to the next stage.
func (c *Context) FireInactive() { c.pipe.inactiveAt(c.idx + 1) }

// FireError passes err to the next stage. An error nobody handles closes the
// connection.
func (c *Context) FireError(err error) { c.pipe.errorAt(c.idx+1, err) }
