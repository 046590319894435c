package heap

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
	"github.com/zhukovaskychina/xlitedb/server/storage/pagestore"
	"github.com/zhukovaskychina/xlitedb/util"
)

// 堆页头，紧跟在通用页头之后
// slot count(2) | free end(2) | owner(4) | last page(4) | live rows(4)
// last page和live rows只在根页上有意义
const (
	HEAP_SLOT_COUNT = common.FileHeaderSize
	HEAP_FREE_END   = HEAP_SLOT_COUNT + 2
	HEAP_OWNER      = HEAP_FREE_END + 2
	HEAP_LAST_PAGE  = HEAP_OWNER + 4
	HEAP_LIVE_ROWS  = HEAP_LAST_PAGE + 4
	HEAP_SLOTS      = HEAP_LIVE_ROWS + 4

	slotSize = 4

	// 记录第一个字节
	recordFlagTombstone byte = 0x01
)

// slottedPage 槽页。槽目录从页头往后增长，记录从页尾往前增长。
type slottedPage struct {
	idx  pagestore.PageIndex
	data []byte
}

func newSlottedPage(idx pagestore.PageIndex, data []byte) *slottedPage {
	return &slottedPage{idx: idx, data: data}
}

// initHeapPage 初始化一个空的堆页
func initHeapPage(data []byte, owner pagestore.PageIndex) *slottedPage {
	pagestore.SetNext(data, pagestore.InvalidPage)
	p := &slottedPage{idx: pagestore.IndexOf(data), data: data}
	p.setSlotCount(0)
	p.setFreeEnd(len(data))
	util.PutUB4(data, HEAP_OWNER, uint32(owner))
	if owner == p.idx {
		p.setLastPage(p.idx)
		p.setLiveRows(0)
	}
	return p
}

// loadHeapPage 读取并检查堆页归属
func loadHeapPage(r pagestore.Reader, idx, owner pagestore.PageIndex) (*slottedPage, error) {
	data, err := r.Read(idx)
	if err != nil {
		return nil, err
	}
	if t := pagestore.PageTypeOf(data); t != common.FIL_PAGE_TYPE_HEAP {
		return nil, errors.Wrapf(basic.ErrCorruptPage, "page %d is a %s page, want HEAP", idx, t)
	}
	p := newSlottedPage(idx, data)
	if p.owner() != owner {
		return nil, errors.Wrapf(basic.ErrCorruptPage, "heap page %d belongs to heap %d, want %d", idx, p.owner(), owner)
	}
	if p.freeEnd() < p.slotEnd() || p.freeEnd() > len(data) {
		return nil, errors.Wrapf(basic.ErrCorruptPage, "heap page %d slot directory overlaps records", idx)
	}
	return p, nil
}

func (p *slottedPage) slotCount() int {
	return int(util.ReadUB2At(p.data, HEAP_SLOT_COUNT))
}

func (p *slottedPage) setSlotCount(n int) {
	util.PutUB2(p.data, HEAP_SLOT_COUNT, uint16(n))
}

// freeEnd 记录区起点。64K页的空页写作0。
func (p *slottedPage) freeEnd() int {
	v := int(util.ReadUB2At(p.data, HEAP_FREE_END))
	if v == 0 {
		return len(p.data)
	}
	return v
}

func (p *slottedPage) setFreeEnd(off int) {
	util.PutUB2(p.data, HEAP_FREE_END, uint16(off))
}

func (p *slottedPage) owner() pagestore.PageIndex {
	return pagestore.PageIndex(util.ReadUB4At(p.data, HEAP_OWNER))
}

func (p *slottedPage) lastPage() pagestore.PageIndex {
	return pagestore.PageIndex(util.ReadUB4At(p.data, HEAP_LAST_PAGE))
}

func (p *slottedPage) setLastPage(idx pagestore.PageIndex) {
	util.PutUB4(p.data, HEAP_LAST_PAGE, uint32(idx))
}

func (p *slottedPage) liveRows() uint32 {
	return util.ReadUB4At(p.data, HEAP_LIVE_ROWS)
}

func (p *slottedPage) setLiveRows(n uint32) {
	util.PutUB4(p.data, HEAP_LIVE_ROWS, n)
}

func (p *slottedPage) next() pagestore.PageIndex {
	return pagestore.NextOf(p.data)
}

func (p *slottedPage) slotEnd() int {
	return HEAP_SLOTS + p.slotCount()*slotSize
}

// freeSpace 可以容纳的记录字节数（已扣除新槽位）
func (p *slottedPage) freeSpace() int {
	free := p.freeEnd() - p.slotEnd() - slotSize
	if free < 0 {
		return 0
	}
	return free
}

// insert 追加一条记录，返回槽号。调用方保证空间足够。
func (p *slottedPage) insert(record []byte) uint16 {
	slot := p.slotCount()
	off := p.freeEnd() - len(record)
	copy(p.data[off:], record)
	dir := HEAP_SLOTS + slot*slotSize
	util.PutUB2(p.data, dir, uint16(off))
	util.PutUB2(p.data, dir+2, uint16(len(record)))
	p.setSlotCount(slot + 1)
	p.setFreeEnd(off)
	return uint16(slot)
}

// record 返回槽位上的记录，和页面共享内存
func (p *slottedPage) record(slot int) ([]byte, error) {
	dir := HEAP_SLOTS + slot*slotSize
	off := int(util.ReadUB2At(p.data, dir))
	length := int(util.ReadUB2At(p.data, dir+2))
	if length == 0 || off < p.slotEnd() || off+length > len(p.data) {
		return nil, errors.Wrapf(basic.ErrCorruptPage, "heap page %d slot %d points outside the page", p.idx, slot)
	}
	return p.data[off : off+length], nil
}

// maxRecordSize 空页能容纳的最大记录
func maxRecordSize(pageSize int) int {
	return pageSize - HEAP_SLOTS - slotSize
}
