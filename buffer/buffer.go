package buffer

import (
	"math"
	"sync"
)

type Average float64
type Minimum float64
type Maximum float64
type Sum float64

// SampleBuffer keeps the most recent samples of one quantity. It is safe for
// use by a sampling goroutine and a reader at the same time.
type SampleBuffer struct {
	position int
	size     int
	count    int
	data     []float64
	lock     sync.Mutex
}

func NewBuffer(size int) *SampleBuffer {
	if size < 1 {
		size = 1
	}
	return &SampleBuffer{
		size: size,
		data: make([]float64, size),
	}
}

func (b *SampleBuffer) AddItem(val float64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.data[b.position] = val
	b.position += 1
	if b.position == b.size {
		b.position = 0
	}
	if b.count < b.size {
		b.count += 1
	}
}

// GetAverageMinMaxSum covers only the samples actually added. An empty buffer
// returns all zeros.
func (b *SampleBuffer) GetAverageMinMaxSum() (Average, Minimum, Maximum, Sum) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.count == 0 {
		return 0, 0, 0, 0
	}
	min := math.MaxFloat64
	max := -math.MaxFloat64
	sum := 0.0
	for _, x := range b.items() {
		if x > max {
			max = x
		}
		if x < min {
			min = x
		}
		sum += x
	}
	return Average(sum / float64(b.count)), Minimum(min), Maximum(max), Sum(sum)
}

func (b *SampleBuffer) GetLast() (float64, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.count == 0 {
		return 0, false
	}
	index := b.position - 1
	if index < 0 {
		index += b.size
	}
	return b.data[index], true
}

// Items returns the samples oldest first.
func (b *SampleBuffer) Items() []float64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.items()
}

func (b *SampleBuffer) items() []float64 {
	out := make([]float64, 0, b.count)
	start := b.position - b.count
	if start < 0 {
		start += b.size
	}
	for i := 0; i < b.count; i++ {
		out = append(out, b.data[(start+i)%b.size])
	}
	return out
}

func (b *SampleBuffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.count
}

func (b *SampleBuffer) Reset() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.position = 0
	b.count = 0
}
