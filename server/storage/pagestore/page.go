package pagestore

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xlitedb/server/basic"
	"github.com/zhukovaskychina/xlitedb/server/common"
	"github.com/zhukovaskychina/xlitedb/util"
)

// NewPage 创建一个空白页，只填好通用页头
func NewPage(pageSize int, idx PageIndex, pageType common.PageType) []byte {
	p := make([]byte, pageSize)
	util.PutUB4(p, common.FIL_PAGE_OFFSET, uint32(idx))
	util.PutUB2(p, common.FIL_PAGE_TYPE, uint16(pageType))
	return p
}

func PageTypeOf(p []byte) common.PageType {
	return common.PageType(util.ReadUB2At(p, common.FIL_PAGE_TYPE))
}

func IndexOf(p []byte) PageIndex {
	return PageIndex(util.ReadUB4At(p, common.FIL_PAGE_OFFSET))
}

func NextOf(p []byte) PageIndex {
	return PageIndex(util.ReadUB4At(p, common.FIL_PAGE_NEXT))
}

func SetNext(p []byte, next PageIndex) {
	util.PutUB4(p, common.FIL_PAGE_NEXT, uint32(next))
}

func stampChecksum(p []byte) {
	util.PutUB4(p, common.FIL_PAGE_CHECKSUM, util.Checksum32(p[common.FIL_PAGE_OFFSET:]))
}

func verifyChecksum(p []byte) bool {
	return util.ReadUB4At(p, common.FIL_PAGE_CHECKSUM) == util.Checksum32(p[common.FIL_PAGE_OFFSET:])
}

// 文件头页正文偏移
const (
	hdrMagic       = common.FileHeaderSize
	hdrVersion     = hdrMagic + 4
	hdrPageSize    = hdrVersion + 2
	hdrPageCount   = hdrPageSize + 4
	hdrCatalogRoot = hdrPageCount + 4
	hdrFreeHead    = hdrCatalogRoot + 4
	hdrDatabaseID  = hdrFreeHead + 4
	hdrEnd         = hdrDatabaseID + 16
)

// FileHeader 0号页的内容
type FileHeader struct {
	Version     uint16
	PageSize    uint32
	PageCount   uint32
	CatalogRoot PageIndex
	FreeHead    PageIndex
	DatabaseID  uuid.UUID
}

func newFileHeader(pageSize int) FileHeader {
	return FileHeader{
		Version:    common.FormatVersion,
		PageSize:   uint32(pageSize),
		PageCount:  1,
		DatabaseID: uuid.New(),
	}
}

func (h FileHeader) encode() []byte {
	p := NewPage(int(h.PageSize), PageIndex(common.HeaderPageIndex), common.FIL_PAGE_TYPE_HEADER)
	copy(p[hdrMagic:], common.FileMagic)
	util.PutUB2(p, hdrVersion, h.Version)
	util.PutUB4(p, hdrPageSize, h.PageSize)
	util.PutUB4(p, hdrPageCount, h.PageCount)
	util.PutUB4(p, hdrCatalogRoot, uint32(h.CatalogRoot))
	util.PutUB4(p, hdrFreeHead, uint32(h.FreeHead))
	copy(p[hdrDatabaseID:hdrEnd], h.DatabaseID[:])
	return p
}

// decodeFileHeader 只解析字段，不校验checksum
func decodeFileHeader(p []byte) (FileHeader, error) {
	var h FileHeader
	if len(p) < hdrEnd || string(p[hdrMagic:hdrMagic+4]) != common.FileMagic {
		return h, errors.Wrap(basic.ErrCorruptPage, "bad file magic")
	}
	if PageTypeOf(p) != common.FIL_PAGE_TYPE_HEADER {
		return h, errors.Wrap(basic.ErrCorruptPage, "page 0 is not a header page")
	}
	h.Version = util.ReadUB2At(p, hdrVersion)
	h.PageSize = util.ReadUB4At(p, hdrPageSize)
	h.PageCount = util.ReadUB4At(p, hdrPageCount)
	h.CatalogRoot = PageIndex(util.ReadUB4At(p, hdrCatalogRoot))
	h.FreeHead = PageIndex(util.ReadUB4At(p, hdrFreeHead))
	copy(h.DatabaseID[:], p[hdrDatabaseID:hdrEnd])
	if h.Version != common.FormatVersion {
		return h, errors.Wrapf(basic.ErrCorruptPage, "unsupported format version %d", h.Version)
	}
	if !common.IsValidPageSize(int(h.PageSize)) {
		return h, errors.Wrapf(basic.ErrCorruptPage, "invalid page size %d", h.PageSize)
	}
	if h.PageCount == 0 {
		return h, errors.Wrap(basic.ErrCorruptPage, "page count is zero")
	}
	return h, nil
}
