package connection

const (
	emptySlot           = -1
	defaultListCapacity = 16
)

// List holds every tracked app fd so select/poll style calls can scan the
// tracked set instead of probing the registry for each candidate fd.
type List struct {
	slots []int
	// high is one past the highest occupied slot
	high  int
	count int
}

func NewList(capacity int) *List {
	if capacity <= 0 {
		capacity = defaultListCapacity
	}
	l := &List{slots: make([]int, capacity)}
	for i := range l.slots {
		l.slots[i] = emptySlot
	}
	return l
}

func (l *List) grow() {
	slots := make([]int, len(l.slots)*2)
	copy(slots, l.slots)
	for i := len(l.slots); i < len(slots); i++ {
		slots[i] = emptySlot
	}
	l.slots = slots
}

func (l *List) Insert(fd int) {
	if l.count == len(l.slots) {
		l.grow()
	}
	for i, cur := range l.slots {
		if cur != emptySlot {
			continue
		}
		l.slots[i] = fd
		l.count++
		if i >= l.high {
			l.high = i + 1
		}
		return
	}
}

func (l *List) Remove(fd int) bool {
	for i := 0; i < l.high; i++ {
		if l.slots[i] != fd {
			continue
		}
		l.slots[i] = emptySlot
		l.count--
		for l.high > 0 && l.slots[l.high-1] == emptySlot {
			l.high--
		}
		return true
	}
	return false
}

// Each visits occupied slots up to the high mark, stopping when fn returns false.
func (l *List) Each(fn func(fd int) bool) {
	for i := 0; i < l.high; i++ {
		if l.slots[i] == emptySlot {
			continue
		}
		if !fn(l.slots[i]) {
			return
		}
	}
}

func (l *List) Len() int {
	return l.count
}

func (l *List) Cap() int {
	return len(l.slots)
}
