package mw

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// limiterPool 按 key 维护令牌桶，闲置条目由后台 GC 回收。
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*bucket
	r     rate.Limit
	burst int
	ttl   time.Duration
	stop  chan struct{}
}

func newLimiterPool(r rate.Limit, burst int, ttl time.Duration) *limiterPool {
	return &limiterPool{m: make(map[string]*bucket), r: r, burst: burst, ttl: ttl, stop: make(chan struct{})}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.m[key]
	if ok {
		b.seen = time.Now()
		return b.lim
	}
	lim := rate.NewLimiter(p.r, p.burst)
	p.m[key] = &bucket{lim: lim, seen: time.Now()}
	return lim
}

func (p *limiterPool) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			for k, b := range p.m {
				if now.Sub(b.seen) > p.ttl {
					delete(p.m, k)
				}
			}
			p.mu.Unlock()
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (p *limiterPool) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// RateLimit 返回基于 IP+路由的令牌桶限速中间件。WebSocket 升级请求
// 建立长连接，读写节奏由连接自身的泵控制，不参与计数。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	pool := newLimiterPool(r, burst, 2*time.Minute)
	go pool.gc()
	return func(c *gin.Context) {
		if isUpgrade(c.Request) {
			c.Next()
			return
		}
		ip := clientIP(c.Request.RemoteAddr)
		key := ip + "|" + c.FullPath()
		if key == ip+"|" {
			key = ip + "|" + c.Request.URL.Path
		}
		if !pool.get(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
