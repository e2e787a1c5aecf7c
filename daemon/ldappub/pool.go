// Package ldappub publishes certificates, CRLs and master lists into
// the PKD directory tree. It owns the directory connection pool, the
// DN construction rules, and the duplicate-tolerant batch Add path.
package ldappub

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Conn is the slice of the LDAP client surface used here and by the
// passive authentication lookup.
type Conn interface {
	Add(*ldap.AddRequest) error
	Search(*ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// ConnSource hands out pooled directory connections. Put takes broken
// connections out of circulation.
type ConnSource interface {
	Get(ctx context.Context) (Conn, error)
	Put(c Conn, broken bool)
}

// PoolConfig configures the directory connection pool.
type PoolConfig struct {
	URL            string
	BindDN         string
	BindPassword   string
	MinConns       int
	MaxConns       int
	MaxConnAge     time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

type pooledConn struct {
	*ldap.Conn
	born time.Time
}

// Pool is a bounded LDAP connection pool with age-out. Connections
// older than MaxConnAge are discarded on checkout rather than reused;
// directories routinely drop idle connections and a fresh dial is
// cheaper than a failed operation.
type Pool struct {
	cfg  PoolConfig
	idle chan *pooledConn
	sem  *semaphore.Weighted
}

// NewPool returns an unconnected Pool. Dial errors surface on Get.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MinConns < 1 {
		cfg.MinConns = 1
	}
	if cfg.MaxConns < cfg.MinConns {
		cfg.MaxConns = cfg.MinConns
	}
	return &Pool{
		cfg:  cfg,
		idle: make(chan *pooledConn, cfg.MaxConns),
		sem:  semaphore.NewWeighted(int64(cfg.MaxConns)),
	}
}

// Warm pre-dials the minimum connection count so the first batch does
// not pay connection setup.
func (p *Pool) Warm(ctx context.Context) error {
	for i := 0; i < p.cfg.MinConns; i++ {
		c, err := p.dial(ctx)
		if err != nil {
			return err
		}
		select {
		case p.idle <- c:
		default:
			c.Close()
		}
	}
	return nil
}

// Get borrows a connection, dialing a new one when no fresh idle
// connection exists. Blocks while MaxConns are already borrowed.
func (p *Pool) Get(ctx context.Context) (Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "waiting for an LDAP connection")
	}
	for {
		select {
		case c := <-p.idle:
			if time.Since(c.born) > p.cfg.MaxConnAge || c.IsClosing() {
				c.Close()
				continue
			}
			return c, nil
		default:
			c, err := p.dial(ctx)
			if err != nil {
				p.sem.Release(1)
				return nil, err
			}
			return c, nil
		}
	}
}

// Put returns a borrowed connection. Broken connections are closed
// instead of pooled.
func (p *Pool) Put(c Conn, broken bool) {
	defer p.sem.Release(1)
	pc, ok := c.(*pooledConn)
	if !ok || broken {
		c.Close()
		return
	}
	select {
	case p.idle <- pc:
	default:
		pc.Close()
	}
}

// Close drops all idle connections. Borrowed connections close on Put.
func (p *Pool) Close() {
	for {
		select {
		case c := <-p.idle:
			c.Close()
		default:
			return
		}
	}
}

// dial connects and binds with exponential backoff. Transient network
// errors during a batch should not fail the whole upload run.
func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	var conn *ldap.Conn
	op := func() error {
		var err error
		conn, err = ldap.DialURL(p.cfg.URL,
			ldap.DialWithDialer(&net.Dialer{Timeout: p.cfg.ConnectTimeout}))
		if err != nil {
			log.G(ctx).WithError(err).WithField("url", p.cfg.URL).Warn("LDAP dial failed, retrying")
			return err
		}
		conn.SetTimeout(p.cfg.ReadTimeout)
		if p.cfg.BindDN != "" {
			if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
				conn.Close()
				conn = nil
				return backoff.Permanent(errors.Wrap(err, "binding to directory"))
			}
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", p.cfg.URL)
	}
	return &pooledConn{Conn: conn, born: time.Now()}, nil
}
