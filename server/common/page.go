package common

// Page size constants
const (
	DefaultPageSize = 4096  // 默认页面大小
	MinPageSize     = 1024  // 最小页面大小
	MaxPageSize     = 65536 // 最大页面大小

	// FileHeaderSize 每个页面开头的通用页头
	// checksum(4) | page index(4) | page type(2) | reserved(2) | next(4)
	FileHeaderSize = 16
)

// 通用页头各字段偏移
const (
	FIL_PAGE_CHECKSUM = 0
	FIL_PAGE_OFFSET   = 4
	FIL_PAGE_TYPE     = 8
	FIL_PAGE_RESERVED = 10
	FIL_PAGE_NEXT     = 12
)

// FIL_NULL 页面链表结束标记，0号页永远是文件头页，不可能作为后继页
const FIL_NULL uint32 = 0

// HeaderPageIndex 文件头页固定为0号页
const HeaderPageIndex uint32 = 0

// FormatVersion 文件格式版本
const FormatVersion uint16 = 1

// FileMagic 文件头魔数
const FileMagic = "XLDB"

type PageType uint16

// Page types
const (
	// FIL_PAGE_TYPE_FREE (0x0000) - 空闲页，通过next字段串成空闲链表
	FIL_PAGE_TYPE_FREE PageType = 0x0000

	// FIL_PAGE_TYPE_HEADER (0x0001) - 文件头页
	// 存储格式版本、页大小、页数、catalog根页、空闲链表头
	FIL_PAGE_TYPE_HEADER PageType = 0x0001

	// FIL_PAGE_TYPE_CATALOG (0x0002) - 数据字典页
	// 表名到schema、堆根页的映射，超过一页时通过next串联
	FIL_PAGE_TYPE_CATALOG PageType = 0x0002

	// FIL_PAGE_TYPE_HEAP (0x0003) - 堆数据页，存储变长行记录
	FIL_PAGE_TYPE_HEAP PageType = 0x0003
)

func (t PageType) String() string {
	switch t {
	case FIL_PAGE_TYPE_FREE:
		return "FREE"
	case FIL_PAGE_TYPE_HEADER:
		return "HEADER"
	case FIL_PAGE_TYPE_CATALOG:
		return "CATALOG"
	case FIL_PAGE_TYPE_HEAP:
		return "HEAP"
	default:
		return "UNKNOWN"
	}
}

// IsValidPageSize 页大小必须是2的幂且在范围内
func IsValidPageSize(size int) bool {
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}
