package market

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Random 是价格模拟使用的随机源，测试中可替换为确定性实现。
type Random interface {
	// Float64 返回 [0,1) 区间的随机数。
	Float64() float64
	// IntN 返回 [0,n) 区间的随机整数。
	IntN(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandom 返回并发安全的随机源；seed 为 0 时使用当前时间。
func NewRandom(seed uint64) Random {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) IntN(n int) int {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}
