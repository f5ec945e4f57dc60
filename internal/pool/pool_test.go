package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"MCP-Flow/internal/credential"
	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/tool"
)

type fakeProvider struct {
	id     int64
	closed atomic.Bool
}

func (p *fakeProvider) Invoke(_ context.Context, action string, _ map[string]any) (any, error) {
	return map[string]any{"action": action}, nil
}

func (p *fakeProvider) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeConnector struct {
	mu        sync.Mutex
	connects  int64
	providers []*fakeProvider
	delay     time.Duration
}

func (c *fakeConnector) Connect(ctx context.Context, _ tool.Descriptor, _ map[string]string) (tool.Provider, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	p := &fakeProvider{id: c.connects}
	c.providers = append(c.providers, p)
	return p, nil
}

func (c *fakeConnector) connectCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func newTestRegistry(t *testing.T, descriptors ...tool.Descriptor) *tool.Registry {
	t.Helper()
	registry, err := tool.NewRegistry(descriptors)
	if err != nil {
		t.Fatalf("构建工具注册表失败: %v", err)
	}
	return registry
}

func plainTool(name string) tool.Descriptor {
	return tool.Descriptor{
		Name:   name,
		Launch: tool.LaunchSpec{Command: "fake-" + name},
	}
}

func secretTool(name string) tool.Descriptor {
	return tool.Descriptor{
		Name:         name,
		Launch:       tool.LaunchSpec{Command: "fake-" + name},
		EnvTemplate:  map[string]string{"API_KEY": ""},
		AuthRequired: true,
	}
}

func TestPoolReusesConnection(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{}
	injector := credential.NewInjector(credential.NewMemoryStore())
	p := New(Config{}, newTestRegistry(t, plainTool("echo")), injector, connector)
	defer p.Close()

	first, err := p.Acquire(ctx, "echo", "alice")
	if err != nil {
		t.Fatalf("首次获取连接失败: %v", err)
	}
	p.Release(first)

	second, err := p.Acquire(ctx, "echo", "alice")
	if err != nil {
		t.Fatalf("再次获取连接失败: %v", err)
	}
	p.Release(second)

	if first.SessionID() != second.SessionID() {
		t.Fatalf("期望复用同一会话, got %d / %d", first.SessionID(), second.SessionID())
	}
	if got := connector.connectCount(); got != 1 {
		t.Fatalf("期望只建连一次, got %d", got)
	}

	stats := p.Snapshot()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("计数不符: hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestPoolIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{}
	injector := credential.NewInjector(credential.NewMemoryStore())
	p := New(Config{}, newTestRegistry(t, plainTool("echo")), injector, connector)
	defer p.Close()

	alice, err := p.Acquire(ctx, "echo", "alice")
	if err != nil {
		t.Fatalf("alice 获取连接失败: %v", err)
	}
	bob, err := p.Acquire(ctx, "echo", "bob")
	if err != nil {
		t.Fatalf("bob 获取连接失败: %v", err)
	}
	if alice.SessionID() == bob.SessionID() {
		t.Fatal("不同用户不应共享同一会话")
	}
	p.Release(alice)
	p.Release(bob)

	if got := connector.connectCount(); got != 2 {
		t.Fatalf("期望为两个用户各建连一次, got %d", got)
	}
}

func TestPoolReconnectsOnCredentialChange(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{}
	secrets := credential.NewMemoryStore()
	injector := credential.NewInjector(secrets)
	p := New(Config{}, newTestRegistry(t, secretTool("search")), injector, connector)
	defer p.Close()

	if err := secrets.Put(ctx, "alice", "search", map[string]string{"API_KEY": "old"}); err != nil {
		t.Fatalf("写入凭证失败: %v", err)
	}
	first, err := p.Acquire(ctx, "search", "alice")
	if err != nil {
		t.Fatalf("获取连接失败: %v", err)
	}
	p.Release(first)

	// 轮换密钥后旧会话必须被淘汰重建。
	if err := secrets.Put(ctx, "alice", "search", map[string]string{"API_KEY": "new"}); err != nil {
		t.Fatalf("更新凭证失败: %v", err)
	}
	second, err := p.Acquire(ctx, "search", "alice")
	if err != nil {
		t.Fatalf("轮换后获取连接失败: %v", err)
	}
	p.Release(second)

	if first.SessionID() == second.SessionID() {
		t.Fatal("凭证变更后应当建立新会话")
	}
	if !connector.providers[0].closed.Load() {
		t.Fatal("旧会话应当被关闭")
	}
	if stats := p.Snapshot(); stats.Evictions != 1 {
		t.Fatalf("期望淘汰一次, got %d", stats.Evictions)
	}
}

func TestPoolMissingCredentialFailsAcquire(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{}
	injector := credential.NewInjector(credential.NewMemoryStore())
	p := New(Config{}, newTestRegistry(t, secretTool("search")), injector, connector)
	defer p.Close()

	_, err := p.Acquire(ctx, "search", "alice")
	if err == nil {
		t.Fatal("缺少凭证时应当获取失败")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeAuthFailed {
		t.Fatalf("期望 AUTH_FAILED, got %s", code)
	}
	if got := connector.connectCount(); got != 0 {
		t.Fatalf("缺少凭证时不应尝试建连, got %d", got)
	}
}

func TestPoolEvictsIdleConnections(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{}
	injector := credential.NewInjector(credential.NewMemoryStore())

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	p := New(Config{IdleTTL: time.Minute}, newTestRegistry(t, plainTool("echo")), injector, connector, WithClock(clock))
	defer p.Close()

	conn, err := p.Acquire(ctx, "echo", "alice")
	if err != nil {
		t.Fatalf("获取连接失败: %v", err)
	}
	p.Release(conn)

	advance(30 * time.Second)
	p.EvictIdle()
	if stats := p.Snapshot(); stats.Live != 1 {
		t.Fatalf("未到 TTL 不应回收, live=%d", stats.Live)
	}

	advance(2 * time.Minute)
	p.EvictIdle()
	if stats := p.Snapshot(); stats.Live != 0 {
		t.Fatalf("超过 TTL 应当回收, live=%d", stats.Live)
	}
	if !connector.providers[0].closed.Load() {
		t.Fatal("被回收的会话应当被关闭")
	}
}

func TestPoolPerUserLimit(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{}
	injector := credential.NewInjector(credential.NewMemoryStore())
	p := New(Config{PerUserLimit: 1}, newTestRegistry(t, plainTool("alpha"), plainTool("beta")), injector, connector)
	defer p.Close()

	alpha, err := p.Acquire(ctx, "alpha", "alice")
	if err != nil {
		t.Fatalf("获取 alpha 连接失败: %v", err)
	}

	// 额度已被持有中的连接占满，且没有可回收对象。
	_, err = p.Acquire(ctx, "beta", "alice")
	if err == nil {
		t.Fatal("超出单用户上限时应当失败")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeResourceExhausted {
		t.Fatalf("期望 RESOURCE_EXHAUSTED, got %s", code)
	}

	// 归还后空闲连接可以被 LRU 淘汰腾出额度。
	p.Release(alpha)
	beta, err := p.Acquire(ctx, "beta", "alice")
	if err != nil {
		t.Fatalf("归还后获取 beta 连接失败: %v", err)
	}
	p.Release(beta)

	if !connector.providers[0].closed.Load() {
		t.Fatal("被淘汰的 alpha 会话应当被关闭")
	}
	stats := p.Snapshot()
	if stats.Exhausted != 1 {
		t.Fatalf("期望记录一次容量耗尽, got %d", stats.Exhausted)
	}
	if stats.Live != 1 {
		t.Fatalf("期望池内只剩一条连接, live=%d", stats.Live)
	}
}

func TestPoolWaitsForHeldConnection(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{}
	injector := credential.NewInjector(credential.NewMemoryStore())
	p := New(Config{}, newTestRegistry(t, plainTool("echo")), injector, connector)
	defer p.Close()

	first, err := p.Acquire(ctx, "echo", "alice")
	if err != nil {
		t.Fatalf("获取连接失败: %v", err)
	}

	done := make(chan *Conn, 1)
	go func() {
		conn, acquireErr := p.Acquire(ctx, "echo", "alice")
		if acquireErr != nil {
			t.Errorf("等待后获取连接失败: %v", acquireErr)
			done <- nil
			return
		}
		done <- conn
	}()

	select {
	case <-done:
		t.Fatal("连接被持有期间不应获取成功")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(first)
	select {
	case second := <-done:
		if second == nil {
			t.Fatal("等待者未拿到连接")
		}
		if second.SessionID() != first.SessionID() {
			t.Fatalf("等待者应复用同一会话, got %d / %d", first.SessionID(), second.SessionID())
		}
		p.Release(second)
	case <-time.After(2 * time.Second):
		t.Fatal("归还后等待者未被唤醒")
	}

	if got := connector.connectCount(); got != 1 {
		t.Fatalf("同键等待不应重复建连, got %d", got)
	}
}

func TestPoolConcurrentAcquireSingleConnect(t *testing.T) {
	ctx := context.Background()
	connector := &fakeConnector{delay: 20 * time.Millisecond}
	injector := credential.NewInjector(credential.NewMemoryStore())
	p := New(Config{}, newTestRegistry(t, plainTool("echo")), injector, connector)
	defer p.Close()

	const waiters = 8
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(ctx, "echo", "alice")
			if err != nil {
				t.Errorf("并发获取连接失败: %v", err)
				return
			}
			p.Release(conn)
		}()
	}
	wg.Wait()

	if got := connector.connectCount(); got != 1 {
		t.Fatalf("同键并发只应建连一次, got %d", got)
	}
	if stats := p.Snapshot(); stats.Hits != waiters-1 {
		t.Fatalf("期望 %d 次命中, got %d", waiters-1, stats.Hits)
	}
}
