// Package pagestore 单文件定长页存储：分配、读写、释放、空闲链表、暂存写与刷盘。
package pagestore

import (
	"github.com/zhukovaskychina/xlitedb/server/common"
)

// PageIndex 页号，0号页是文件头页
type PageIndex uint32

// InvalidPage 链表结束/未设置
const InvalidPage PageIndex = PageIndex(common.FIL_NULL)

// Reader 页面只读访问
type Reader interface {
	PageSize() int
	// Read 返回页面内容的拷贝；未分配、已释放或头页返回ErrOutOfRange
	Read(idx PageIndex) ([]byte, error)
	CatalogRoot() PageIndex
}

// Writer 页面修改。所有修改都是暂存的，Flush之后才持久化。
type Writer interface {
	Reader
	Allocate(pageType common.PageType) (PageIndex, error)
	Write(idx PageIndex, data []byte) error
	Free(idx PageIndex) error
	SetCatalogRoot(idx PageIndex) error
}

// Journal 页面第一次被修改前收到它的持久化前镜像，before为nil表示该页此前不存在
type Journal interface {
	LogBeforeImage(idx PageIndex, before []byte) error
}

// Image 一个页面的完整镜像，Data为nil表示该页不存在
type Image struct {
	Index PageIndex
	Data  []byte
}
