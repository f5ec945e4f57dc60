package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"MCP-Flow/internal/credential"
	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/tool"
	"MCP-Flow/pkg/logger"
)

// Key 唯一标识一条池化连接：同一工具下不同用户互不共享。
type Key struct {
	Tool string
	User string
}

// entry 是池内部的连接记录，只在持锁状态下读写。
type entry struct {
	id          int64
	provider    tool.Provider
	fingerprint string
	createdAt   time.Time
	lastUsedAt  time.Time
	inUse       bool

	// creating 表示连接正在建立，ready 在建立完成（无论成败）后关闭。
	creating bool
	ready    chan struct{}

	// released 在每次归还时关闭并更换，等待者借此感知连接可用。
	released chan struct{}
}

// Conn 是调用方持有的连接句柄，归还前独占底层会话。
type Conn struct {
	key      Key
	entryID  int64
	provider tool.Provider
}

// Provider 返回底层工具会话。
func (c *Conn) Provider() tool.Provider { return c.provider }

// Key 返回连接的池键。
func (c *Conn) Key() Key { return c.key }

// SessionID 返回底层会话的池内标识，同一会话被复用时保持不变。
func (c *Conn) SessionID() int64 { return c.entryID }

// Stats 聚合池的运行计数，用于指标上报与测试断言。
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Exhausted int64 `json:"exhausted"`
	Live      int   `json:"live"`
}

// Config 控制池的容量与回收策略。
type Config struct {
	PerUserLimit  int
	GlobalLimit   int
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.PerUserLimit <= 0 {
		c.PerUserLimit = 4
	}
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 64
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Pool 管理按 (工具, 用户) 维度复用的工具连接。
// 所有共享状态都收敛在一把互斥锁之内，慢速的建连动作在锁外执行，
// 通过占位记录避免同键并发重复建连。
type Pool struct {
	cfg       Config
	registry  *tool.Registry
	injector  *credential.Injector
	connector tool.Connector
	logger    *slog.Logger
	clock     func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
	nextID  int64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	exhausted atomic.Int64
}

// Option 定义可选配置。
type Option func(*Pool)

// WithClock 替换时间源，主要用于测试空闲回收。
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New 构造连接池。
func New(cfg Config, registry *tool.Registry, injector *credential.Injector, connector tool.Connector, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:       cfg,
		registry:  registry,
		injector:  injector,
		connector: connector,
		logger:    logger.Named("pool"),
		clock:     time.Now,
		entries:   make(map[Key]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Acquire 获取指定工具与用户的连接。
// 解析凭证 → 指纹比对 → 复用或新建；同键已被持有时等待归还，
// 同键正在建连时等待建连结果，容量不足且无可回收连接时返回
// RESOURCE_EXHAUSTED 而不是无限阻塞。
func (p *Pool) Acquire(ctx context.Context, toolName, userID string) (*Conn, error) {
	desc, err := p.registry.Lookup(toolName)
	if err != nil {
		return nil, err
	}
	env, err := p.injector.Resolve(ctx, desc, userID)
	if err != nil {
		return nil, err
	}
	fingerprint := env.Fingerprint()
	key := Key{Tool: toolName, User: userID}

	for {
		p.mu.Lock()
		e, ok := p.entries[key]

		if ok && e.creating {
			ready := e.ready
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ready:
			}
			continue
		}

		if ok && e.inUse {
			released := e.released
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-released:
			}
			continue
		}

		if ok {
			if e.fingerprint == fingerprint {
				e.inUse = true
				e.lastUsedAt = p.clock()
				conn := &Conn{key: key, entryID: e.id, provider: e.provider}
				p.mu.Unlock()
				p.hits.Add(1)
				return conn, nil
			}
			// 凭证已变更，淘汰旧会话后重新建连。
			delete(p.entries, key)
			stale := e.provider
			p.evictions.Add(1)
			p.mu.Unlock()
			p.closeProvider(key, stale)
			continue
		}

		victim, err := p.reserveLocked(key)
		if err != nil {
			p.mu.Unlock()
			p.exhausted.Add(1)
			return nil, err
		}

		placeholder := &entry{
			id:       p.nextID,
			creating: true,
			ready:    make(chan struct{}),
			released: make(chan struct{}),
		}
		p.nextID++
		p.entries[key] = placeholder
		p.mu.Unlock()

		if victim != nil {
			p.closeProvider(victim.key, victim.provider)
		}

		p.misses.Add(1)
		provider, connectErr := p.connector.Connect(ctx, desc, env.Values())

		p.mu.Lock()
		if connectErr != nil {
			delete(p.entries, key)
			close(placeholder.ready)
			p.mu.Unlock()
			if _, ok := xerrors.From(connectErr); ok {
				return nil, connectErr
			}
			return nil, xerrors.Wrap(xerrors.CodeConnectionFailed, connectErr, "建立工具连接失败")
		}
		now := p.clock()
		placeholder.creating = false
		placeholder.provider = provider
		placeholder.fingerprint = fingerprint
		placeholder.createdAt = now
		placeholder.lastUsedAt = now
		placeholder.inUse = true
		close(placeholder.ready)
		conn := &Conn{key: key, entryID: placeholder.id, provider: provider}
		p.mu.Unlock()

		p.logger.Debug("已建立工具连接",
			slog.String("tool", key.Tool),
			slog.String("user", key.User),
		)
		return conn, nil
	}
}

// victimEntry 记录一条待关闭的被淘汰连接。
type victimEntry struct {
	key      Key
	provider tool.Provider
}

// reserveLocked 在持锁状态下检查容量，必要时挑选可回收的 LRU 连接。
func (p *Pool) reserveLocked(key Key) (*victimEntry, error) {
	userCount := 0
	for k := range p.entries {
		if k.User == key.User {
			userCount++
		}
	}

	if userCount >= p.cfg.PerUserLimit {
		if victim := p.lruEvictableLocked(key.User); victim != nil {
			return victim, nil
		}
		return nil, xerrors.New(xerrors.CodeResourceExhausted,
			"用户 "+key.User+" 的连接数已达上限且无可回收连接，请稍后重试")
	}
	if len(p.entries) >= p.cfg.GlobalLimit {
		if victim := p.lruEvictableLocked(""); victim != nil {
			return victim, nil
		}
		return nil, xerrors.New(xerrors.CodeResourceExhausted,
			"连接池已达全局上限且无可回收连接，请稍后重试")
	}
	return nil, nil
}

// lruEvictableLocked 挑选指定范围内最久未使用且未被持有的连接并将其移除。
// userID 为空表示全局范围。
func (p *Pool) lruEvictableLocked(userID string) *victimEntry {
	var (
		oldestKey Key
		oldest    *entry
	)
	for k, e := range p.entries {
		if e.inUse || e.creating {
			continue
		}
		if userID != "" && k.User != userID {
			continue
		}
		if oldest == nil || e.lastUsedAt.Before(oldest.lastUsedAt) {
			oldestKey = k
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	delete(p.entries, oldestKey)
	p.evictions.Add(1)
	return &victimEntry{key: oldestKey, provider: oldest.provider}
}

// Release 归还连接，使其可以被复用，不关闭底层会话。
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[conn.key]
	if !ok || e.id != conn.entryID {
		// 连接已在持有期间被淘汰，归还时直接关闭。
		go p.closeProvider(conn.key, conn.provider)
		return
	}
	e.inUse = false
	e.lastUsedAt = p.clock()
	close(e.released)
	e.released = make(chan struct{})
}

// EvictIdle 移除空闲超过 TTL 且未被持有的连接。
func (p *Pool) EvictIdle() {
	cutoff := p.clock().Add(-p.cfg.IdleTTL)

	var victims []victimEntry
	p.mu.Lock()
	for k, e := range p.entries {
		if e.inUse || e.creating {
			continue
		}
		if e.lastUsedAt.Before(cutoff) {
			delete(p.entries, k)
			victims = append(victims, victimEntry{key: k, provider: e.provider})
		}
	}
	p.mu.Unlock()

	for _, victim := range victims {
		p.evictions.Add(1)
		p.closeProvider(victim.key, victim.provider)
	}
}

// Start 启动周期性的空闲回收循环，直到上下文取消。
func (p *Pool) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.EvictIdle()
		}
	}
}

// Close 关闭池内所有连接。
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()

	for k, e := range entries {
		if e.provider != nil {
			p.closeProvider(k, e.provider)
		}
	}
	return nil
}

// Snapshot 返回池的运行计数。
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	live := len(p.entries)
	p.mu.Unlock()
	return Stats{
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Evictions: p.evictions.Load(),
		Exhausted: p.exhausted.Load(),
		Live:      live,
	}
}

func (p *Pool) closeProvider(key Key, provider tool.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil {
		p.logger.Warn("关闭工具连接失败",
			slog.Any("error", err),
			slog.String("tool", key.Tool),
			slog.String("user", key.User),
		)
	}
}
