package ws

import "sync"

// Presence 维护 userID 到其活跃连接集合的进程内映射。它只是缓存：
// 持久层的在线标记以 first/last 边沿为准，重启后由各连接重建。
type Presence struct {
	mu    sync.RWMutex
	conns map[string]map[*Client]struct{}
}

func NewPresence() *Presence {
	return &Presence{conns: make(map[string]map[*Client]struct{})}
}

// Add 登记一条连接，返回它是否为该用户的第一条连接。
func (p *Presence) Add(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		p.conns[c.userID] = set
	}
	set[c] = struct{}{}
	return !ok
}

// Remove 注销一条连接，返回它是否为该用户的最后一条连接。
func (p *Presence) Remove(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.conns[c.userID]
	if !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(p.conns, c.userID)
		return true
	}
	return false
}

// Lookup 返回用户当前的全部活跃连接。
func (p *Presence) Lookup(userID string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.conns[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Online 判断用户是否至少有一条活跃连接。
func (p *Presence) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns[userID]) > 0
}
