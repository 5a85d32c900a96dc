package block

// list is an intrusive doubly linked list of blocks.
// A block belongs to at most one list at a time.
type list struct {
	head, tail *Block
	len        int
}

func (list *list) pushBack(block *Block) {
	if block.list != nil {
		panic("block: pushBack of listed block")
	}
	block.list = list
	block.prev = list.tail
	block.next = nil
	if list.tail == nil {
		list.head = block
	} else {
		list.tail.next = block
	}
	list.tail = block
	list.len++
}

func (list *list) remove(block *Block) {
	if block.list != list {
		panic("block: remove of block from foreign list")
	}
	if block.prev == nil {
		list.head = block.next
	} else {
		block.prev.next = block.next
	}
	if block.next == nil {
		list.tail = block.prev
	} else {
		block.next.prev = block.prev
	}
	block.list, block.prev, block.next = nil, nil, nil
	list.len--
}

func (list *list) front() *Block {
	return list.head
}

func (list *list) each(yield func(*Block) bool) {
	for block := list.head; block != nil; {
		next := block.next
		if !yield(block) {
			return
		}
		block = next
	}
}
