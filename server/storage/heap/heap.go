// Package heap 一张表的行存储：由槽页组成的单向链表。
//
// 行只追加不原地修改，删除只打墓碑标记，槽位不复用，RowID = (页号, 槽号)。
package heap

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
	"github.com/zhukovaskychina/xlitedb/server/storage/pagestore"
)

// Heap 表堆，只持有根页号和schema，页面都通过pagestore访问
type Heap struct {
	root   pagestore.PageIndex
	schema *basic.Schema
}

// Create 分配一个空堆的根页
func Create(w pagestore.Writer, schema *basic.Schema) (*Heap, error) {
	root, err := w.Allocate(common.FIL_PAGE_TYPE_HEAP)
	if err != nil {
		return nil, err
	}
	data, err := w.Read(root)
	if err != nil {
		return nil, err
	}
	initHeapPage(data, root)
	if err := w.Write(root, data); err != nil {
		return nil, err
	}
	return &Heap{root: root, schema: schema}, nil
}

// Open 已有的堆
func Open(root pagestore.PageIndex, schema *basic.Schema) *Heap {
	return &Heap{root: root, schema: schema}
}

func (h *Heap) Root() pagestore.PageIndex {
	return h.root
}

func (h *Heap) Schema() *basic.Schema {
	return h.schema
}

// encodeRecord 标志字节 + 行编码，超过一页能容纳的大小时返回RowTooLarge
func (h *Heap) encodeRecord(pageSize int, row basic.Row) ([]byte, error) {
	encoded, err := basic.EncodeRow(h.schema, row)
	if err != nil {
		return nil, err
	}
	record := make([]byte, 0, len(encoded)+1)
	record = append(record, 0)
	record = append(record, encoded...)
	if len(record) > maxRecordSize(pageSize) {
		return nil, errors.Wrapf(basic.ErrRowTooLarge, "record of %d bytes, at most %d fit in a page",
			len(record), maxRecordSize(pageSize))
	}
	return record, nil
}

// CheckFits 不写页面，只检查row能否追加: schema不符返回SchemaMismatch，放不进一页返回RowTooLarge
func (h *Heap) CheckFits(pageSize int, row basic.Row) error {
	_, err := h.encodeRecord(pageSize, row)
	return err
}

// Append 追加一行，尾页放不下时分配新页挂到链表尾部
func (h *Heap) Append(w pagestore.Writer, row basic.Row) (basic.RowID, error) {
	record, err := h.encodeRecord(w.PageSize(), row)
	if err != nil {
		return 0, err
	}

	root, err := loadHeapPage(w, h.root, h.root)
	if err != nil {
		return 0, err
	}
	tail := root
	if last := root.lastPage(); last != h.root {
		if tail, err = loadHeapPage(w, last, h.root); err != nil {
			return 0, err
		}
	}

	if tail.freeSpace() < len(record) {
		idx, err := w.Allocate(common.FIL_PAGE_TYPE_HEAP)
		if err != nil {
			return 0, err
		}
		data, err := w.Read(idx)
		if err != nil {
			return 0, err
		}
		fresh := initHeapPage(data, h.root)
		pagestore.SetNext(tail.data, idx)
		root.setLastPage(idx)
		if tail != root {
			if err := w.Write(tail.idx, tail.data); err != nil {
				return 0, err
			}
		}
		logger.Debugf("heap %d: linked page %d after %d", h.root, idx, tail.idx)
		tail = fresh
	}

	slot := tail.insert(record)
	root.setLiveRows(root.liveRows() + 1)
	if tail != root {
		if err := w.Write(tail.idx, tail.data); err != nil {
			return 0, err
		}
	}
	if err := w.Write(root.idx, root.data); err != nil {
		return 0, err
	}
	return basic.NewRowID(uint32(tail.idx), slot), nil
}

// MarkDeleted 给行打墓碑。RowID不属于本堆时返回OutOfRange，已删除的行直接返回。
func (h *Heap) MarkDeleted(w pagestore.Writer, id basic.RowID) error {
	idx := pagestore.PageIndex(id.Page())
	data, err := w.Read(idx)
	if err != nil {
		if basic.IsOutOfRange(err) {
			return errors.Wrapf(err, "row %s", id)
		}
		return err
	}
	p := newSlottedPage(idx, data)
	if pagestore.PageTypeOf(data) != common.FIL_PAGE_TYPE_HEAP || p.owner() != h.root {
		return errors.Wrapf(basic.ErrOutOfRange, "row %s does not belong to heap %d", id, h.root)
	}
	if int(id.Slot()) >= p.slotCount() {
		return errors.Wrapf(basic.ErrOutOfRange, "row %s: page has %d slots", id, p.slotCount())
	}
	rec, err := p.record(int(id.Slot()))
	if err != nil {
		return err
	}
	if rec[0]&recordFlagTombstone != 0 {
		return nil
	}
	rec[0] |= recordFlagTombstone

	if idx == h.root {
		p.setLiveRows(p.liveRows() - 1)
		return w.Write(idx, data)
	}
	if err := w.Write(idx, data); err != nil {
		return err
	}
	root, err := loadHeapPage(w, h.root, h.root)
	if err != nil {
		return err
	}
	root.setLiveRows(root.liveRows() - 1)
	return w.Write(root.idx, root.data)
}

// Drop 释放链上所有页面
func (h *Heap) Drop(w pagestore.Writer) error {
	pages, err := h.Pages(w)
	if err != nil {
		return err
	}
	for _, idx := range pages {
		if err := w.Free(idx); err != nil {
			return err
		}
	}
	logger.Debugf("heap %d: dropped %d pages", h.root, len(pages))
	return nil
}

// Pages 按链表顺序返回所有页号
func (h *Heap) Pages(r pagestore.Reader) ([]pagestore.PageIndex, error) {
	var pages []pagestore.PageIndex
	seen := make(map[pagestore.PageIndex]struct{})
	for idx := h.root; idx != pagestore.InvalidPage; {
		if _, ok := seen[idx]; ok {
			return nil, errors.Wrapf(basic.ErrCorruptPage, "heap %d chain loops at page %d", h.root, idx)
		}
		seen[idx] = struct{}{}
		p, err := loadHeapPage(r, idx, h.root)
		if err != nil {
			return nil, err
		}
		pages = append(pages, idx)
		idx = p.next()
	}
	return pages, nil
}

// LiveRows 未删除的行数，记录在根页上
func (h *Heap) LiveRows(r pagestore.Reader) (uint32, error) {
	root, err := loadHeapPage(r, h.root, h.root)
	if err != nil {
		return 0, err
	}
	return root.liveRows(), nil
}

// Scan 返回一个新的迭代器，每次都从根页开始
func (h *Heap) Scan(r pagestore.Reader) *Iterator {
	return &Iterator{r: r, heap: h, nextPage: h.root}
}

// Iterator 惰性遍历堆中未删除的行，按插入顺序
//
//	it := h.Scan(r)
//	for it.Next() {
//		use(it.RowID(), it.Row())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	r    pagestore.Reader
	heap *Heap

	page     *slottedPage
	nextPage pagestore.PageIndex
	slot     int
	visited  int

	id  basic.RowID
	row basic.Row
	err error
}

// Next 前进到下一条未删除的行
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.page == nil {
			if it.nextPage == pagestore.InvalidPage {
				return false
			}
			// 环形链表保护
			if it.visited > 0 && it.nextPage == it.heap.root {
				it.err = errors.Wrapf(basic.ErrCorruptPage, "heap %d chain loops", it.heap.root)
				return false
			}
			p, err := loadHeapPage(it.r, it.nextPage, it.heap.root)
			if err != nil {
				it.err = err
				return false
			}
			it.page, it.slot = p, 0
			it.nextPage = p.next()
			it.visited++
		}
		if it.slot >= it.page.slotCount() {
			it.page = nil
			continue
		}
		slot := it.slot
		it.slot++
		rec, err := it.page.record(slot)
		if err != nil {
			it.err = err
			return false
		}
		if rec[0]&recordFlagTombstone != 0 {
			continue
		}
		row, err := basic.DecodeRow(it.heap.schema, rec[1:])
		if err != nil {
			it.err = errors.Wrapf(err, "heap page %d slot %d", it.page.idx, slot)
			return false
		}
		it.id = basic.NewRowID(uint32(it.page.idx), uint16(slot))
		it.row = row
		return true
	}
}

func (it *Iterator) RowID() basic.RowID {
	return it.id
}

func (it *Iterator) Row() basic.Row {
	return it.row
}

func (it *Iterator) Err() error {
	return it.err
}

// Collect 读完迭代器
func (it *Iterator) Collect() ([]basic.RowID, []basic.Row, error) {
	var ids []basic.RowID
	var rows []basic.Row
	for it.Next() {
		ids = append(ids, it.RowID())
		rows = append(rows, it.Row())
	}
	return ids, rows, it.Err()
}
