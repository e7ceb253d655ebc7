package internal

import (
	"math/rand"
	"sync"
	"time"
)

// RandomString 随机字符串生成器
// random string generator
type RandomString struct {
	mu     sync.Mutex
	r      *rand.Rand
	layout string
}

// AlphabetNumeric 包含字母和数字字符集的 RandomString 实例
// It's a RandomString instance with an alphanumeric character set
var AlphabetNumeric = &RandomString{
	layout: "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
	r:      rand.New(rand.NewSource(time.Now().UnixNano())),
	mu:     sync.Mutex{},
}

// Generate 生成一个长度为 n 的随机字节切片
// generates a random byte slice of length n
func (c *RandomString) Generate(n int) []byte {
	c.mu.Lock()
	var b = make([]byte, n)
	var length = len(c.layout)
	for i := 0; i < n; i++ {
		var idx = c.r.Intn(length)
		b[i] = c.layout[idx]
	}
	c.mu.Unlock()
	return b
}

// Intn 返回 [0, n) 内的随机整数
// returns a random integer in [0, n)
func (c *RandomString) Intn(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.r.Intn(n)
}

// Uint32 返回一个随机 uint32
// returns a random uint32
func (c *RandomString) Uint32() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.r.Uint32()
}
