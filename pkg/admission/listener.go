package admission

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Listener is a net.Listener whose Accept returns connections admitted by
// a Controller. One goroutine accepts from the wrapped listener and one
// dispatch loop hands admitted connections to Accept.
type Listener struct {
	inner net.Listener
	ctrl  *Controller

	conns  chan *Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// NewListener starts accepting from inner
func NewListener(inner net.Listener, ctrl *Controller) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		inner:  inner,
		ctrl:   ctrl,
		conns:  make(chan *Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	l.wg.Add(2)
	go l.acceptLoop()
	go l.dispatchLoop()
	return l
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	var tempDelay time.Duration
	for {
		if l.ctx.Err() != nil {
			return
		}
		if !l.ctrl.CanAccept(l.ctx) {
			l.ctrl.ShedOldest()
			if !l.sleep(l.ctrl.cfg.CheckInterval) {
				return
			}
			continue
		}

		conn, err := l.inner.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.setErr(net.ErrClosed)
				l.cancel()
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = nextDelay(tempDelay)
				l.ctrl.logger.Warn("accept failed, retrying", "error", err, "delay", tempDelay)
				if !l.sleep(tempDelay) {
					return
				}
				continue
			}
			l.ctrl.logger.Error("accept failed", "error", err)
			l.setErr(err)
			l.cancel()
			return
		}
		tempDelay = 0
		l.ctrl.OnAccept(conn)
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (l *Listener) dispatchLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ctrl.NextForProcessing(l.ctx)
		if err != nil {
			return
		}
		select {
		case l.conns <- conn:
		case <-l.ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (l *Listener) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *Listener) setErr(err error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.errMu.Unlock()
}

// Accept returns the next connection admitted for processing
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.ctx.Done():
		l.errMu.Lock()
		defer l.errMu.Unlock()
		if l.err != nil {
			return nil, l.err
		}
		return nil, net.ErrClosed
	}
}

// Close stops accepting, closes queued connections and the wrapped
// listener. Connections returned by Accept are left to their owner.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.inner.Close()
		l.wg.Wait()
		l.ctrl.Close()
	})
	return err
}

// Addr returns the wrapped listener's address
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }
