package mixer

import "github.com/MrWong99/voxclone/pkg/audio"

// queued is a segment waiting for its turn. seq breaks priority ties so
// equal priorities play in arrival order.
type queued struct {
	segment  *audio.Segment
	priority int
	seq      uint64
}

// queue is a max-heap on priority for container/heap.
type queue []queued

func (q queue) Len() int      { return len(q) }
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q queue) Less(i, j int) bool {
	if q[i].priority == q[j].priority {
		return q[i].seq < q[j].seq
	}
	return q[i].priority > q[j].priority
}

func (q *queue) Push(x any) { *q = append(*q, x.(queued)) }

func (q *queue) Pop() any {
	last := len(*q) - 1
	item := (*q)[last]
	(*q)[last] = queued{}
	*q = (*q)[:last]
	return item
}
