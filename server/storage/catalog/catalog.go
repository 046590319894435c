// Package catalog 数据字典：表名到(表ID, schema, 堆根页)的映射。
//
// 字典整体序列化后存放在catalog页链上，根页号记在文件头里。
// 每次修改都写一条新链，切换根页指针后再释放旧链。
package catalog

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/logger"
	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
	"github.com/zhukovaskychina/xlitedb/server/storage/heap"
	"github.com/zhukovaskychina/xlitedb/server/storage/pagestore"
	"github.com/zhukovaskychina/xlitedb/util"
)

// catalog页正文: used(2) | 字典字节流的一段
const (
	CATALOG_USED = common.FileHeaderSize
	CATALOG_DATA = CATALOG_USED + 2

	dictFormat byte = 1
)

// TableRef 一张表的元数据
type TableRef struct {
	Name   string
	ID     uint32
	Root   pagestore.PageIndex
	Schema *basic.Schema
}

// Heap 打开表堆
func (t *TableRef) Heap() *heap.Heap {
	return heap.Open(t.Root, t.Schema)
}

// Dictionary 某一时刻的字典内容
type Dictionary struct {
	NextID uint32
	Tables []*TableRef

	// 当前字典所在的页链
	pages []pagestore.PageIndex
}

// Load 从根页读出字典，没有根页时返回空字典
func Load(r pagestore.Reader) (*Dictionary, error) {
	dict := &Dictionary{NextID: 1}
	root := r.CatalogRoot()
	if root == pagestore.InvalidPage {
		return dict, nil
	}

	var stream []byte
	seen := make(map[pagestore.PageIndex]struct{})
	for idx := root; idx != pagestore.InvalidPage; {
		if _, ok := seen[idx]; ok {
			return nil, errors.Wrapf(basic.ErrCorruptPage, "catalog chain loops at page %d", idx)
		}
		seen[idx] = struct{}{}
		data, err := r.Read(idx)
		if err != nil {
			return nil, errors.Wrap(err, "read catalog")
		}
		if t := pagestore.PageTypeOf(data); t != common.FIL_PAGE_TYPE_CATALOG {
			return nil, errors.Wrapf(basic.ErrCorruptPage, "page %d is a %s page, want CATALOG", idx, t)
		}
		used := int(util.ReadUB2At(data, CATALOG_USED))
		if used > len(data)-CATALOG_DATA {
			return nil, errors.Wrapf(basic.ErrCorruptPage, "catalog page %d claims %d bytes", idx, used)
		}
		stream = append(stream, data[CATALOG_DATA:CATALOG_DATA+used]...)
		dict.pages = append(dict.pages, idx)
		idx = pagestore.NextOf(data)
	}

	if err := dict.decode(stream); err != nil {
		return nil, err
	}
	return dict, nil
}

// Lookup 按名称查找，区分大小写
func (d *Dictionary) Lookup(name string) (*TableRef, error) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, errors.Wrapf(basic.ErrUnknownTable, "table %q", name)
}

// Pages 字典占用的页
func (d *Dictionary) Pages() []pagestore.PageIndex {
	return d.pages
}

func (d *Dictionary) encode() []byte {
	buf := make([]byte, 0, 256)
	buf = util.WriteByte(buf, dictFormat)
	buf = util.WriteUB4(buf, d.NextID)
	buf = util.WriteUB4(buf, uint32(len(d.Tables)))
	for _, t := range d.Tables {
		buf = util.WriteWithLength(buf, []byte(t.Name))
		buf = util.WriteUB4(buf, t.ID)
		buf = util.WriteUB4(buf, uint32(t.Root))
		buf = basic.EncodeSchema(buf, t.Schema)
	}
	return buf
}

func (d *Dictionary) decode(stream []byte) error {
	r := util.NewBufferReader(stream)
	if f := r.ReadU8(); r.Err() == nil && f != dictFormat {
		return errors.Wrapf(basic.ErrCorruptPage, "unknown catalog format %d", f)
	}
	d.NextID = r.ReadUB4()
	n := int(r.ReadUB4())
	if r.Err() != nil {
		return errors.Wrap(basic.ErrCorruptPage, "catalog header truncated")
	}
	for i := 0; i < n; i++ {
		t := &TableRef{}
		t.Name = r.ReadLengthString()
		t.ID = r.ReadUB4()
		t.Root = pagestore.PageIndex(r.ReadUB4())
		if r.Err() != nil {
			return errors.Wrapf(basic.ErrCorruptPage, "catalog entry %d truncated", i)
		}
		schema, err := basic.DecodeSchema(r)
		if err != nil {
			return errors.Wrapf(err, "catalog entry %q", t.Name)
		}
		t.Schema = schema
		d.Tables = append(d.Tables, t)
	}
	return nil
}

// save 把字典写到一条新的页链上并切换根页，然后释放旧链
func (d *Dictionary) save(w pagestore.Writer) error {
	stream := d.encode()
	capacity := w.PageSize() - CATALOG_DATA
	chunks := (len(stream) + capacity - 1) / capacity

	pages := make([]pagestore.PageIndex, chunks)
	for i := range pages {
		idx, err := w.Allocate(common.FIL_PAGE_TYPE_CATALOG)
		if err != nil {
			return err
		}
		pages[i] = idx
	}
	for i, idx := range pages {
		data := pagestore.NewPage(w.PageSize(), idx, common.FIL_PAGE_TYPE_CATALOG)
		start := i * capacity
		end := start + capacity
		if end > len(stream) {
			end = len(stream)
		}
		util.PutUB2(data, CATALOG_USED, uint16(end-start))
		copy(data[CATALOG_DATA:], stream[start:end])
		if i+1 < len(pages) {
			pagestore.SetNext(data, pages[i+1])
		}
		if err := w.Write(idx, data); err != nil {
			return err
		}
	}
	if err := w.SetCatalogRoot(pages[0]); err != nil {
		return err
	}
	for _, idx := range d.pages {
		if err := w.Free(idx); err != nil {
			return err
		}
	}
	d.pages = pages
	return nil
}

// List 所有表，按创建顺序
func List(r pagestore.Reader) ([]*TableRef, error) {
	d, err := Load(r)
	if err != nil {
		return nil, err
	}
	return d.Tables, nil
}

// Lookup 按名称查找表
func Lookup(r pagestore.Reader, name string) (*TableRef, error) {
	d, err := Load(r)
	if err != nil {
		return nil, err
	}
	return d.Lookup(name)
}

// CreateTable 建表：分配堆根页并登记到字典。同名表已存在时返回DuplicateTable，原表不受影响。
func CreateTable(w pagestore.Writer, name string, schema *basic.Schema) (*TableRef, error) {
	if err := basic.ValidateName(name); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	d, err := Load(w)
	if err != nil {
		return nil, err
	}
	if _, err := d.Lookup(name); err == nil {
		return nil, errors.Wrapf(basic.ErrDuplicateTable, "table %q", name)
	}

	h, err := heap.Create(w, schema)
	if err != nil {
		return nil, err
	}
	t := &TableRef{Name: name, ID: d.NextID, Root: h.Root(), Schema: basic.NewSchema(schema.Columns...)}
	d.NextID++
	d.Tables = append(d.Tables, t)
	if err := d.save(w); err != nil {
		return nil, err
	}
	logger.Debugf("catalog: created table %s id=%d root=%d", name, t.ID, t.Root)
	return t, nil
}

// DropTable 删表：从字典中移除并释放表堆的所有页面
func DropTable(w pagestore.Writer, name string) (*TableRef, error) {
	d, err := Load(w)
	if err != nil {
		return nil, err
	}
	t, err := d.Lookup(name)
	if err != nil {
		return nil, err
	}
	tables := d.Tables[:0]
	for _, other := range d.Tables {
		if other != t {
			tables = append(tables, other)
		}
	}
	d.Tables = tables
	if err := d.save(w); err != nil {
		return nil, err
	}
	// 先从字典中摘除再释放表堆，字典不会指向空闲页
	if err := t.Heap().Drop(w); err != nil {
		return nil, err
	}
	logger.Debugf("catalog: dropped table %s id=%d", name, t.ID)
	return t, nil
}
