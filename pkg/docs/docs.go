// 文件: pkg/docs/docs.go
// 成交回执 - 纯文本交易凭证
//
// 每笔成交给买卖双方各落一个带 HMAC-SHA256 签名的文本文件。
// 回执是结算提交后的尽力而为产物，写失败不影响轮次。

package docs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidFilename = errors.New("invalid document filename")

// Writer 回执写入器
type Writer struct {
	root   string
	secret []byte
}

// NewWriter root 为空返回 nil，调用方按未启用处理
func NewWriter(root, secret string) *Writer {
	if root == "" {
		return nil
	}
	return &Writer{root: root, secret: []byte(secret)}
}

// TradeDoc 一笔成交的回执内容
type TradeDoc struct {
	AuctionID int64
	TraderID  int64
	Role      string // buyer / seller
	Product   string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// sign 对 payload 做 HMAC-SHA256
// payload: auction_id|trader_id|role|product|price|qty|timestamp_iso
func (w *Writer) sign(d *TradeDoc) string {
	payload := strings.Join([]string{
		strconv.FormatInt(d.AuctionID, 10),
		strconv.FormatInt(d.TraderID, 10),
		d.Role,
		d.Product,
		d.Price.String(),
		d.Quantity.String(),
		d.Timestamp.UTC().Format(time.RFC3339),
	}, "|")
	mac := hmac.New(sha256.New, w.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Write 落盘一份回执，返回文件路径
func (w *Writer) Write(d *TradeDoc) (string, error) {
	if w == nil {
		return "", nil
	}
	dir := filepath.Join(w.root, "auction_"+strconv.FormatInt(d.AuctionID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("auction_%d_%s_trader_%d_%d.txt",
		d.AuctionID, d.Role, d.TraderID, d.Timestamp.Unix())
	path := filepath.Join(dir, name)

	total := d.Price.Mul(d.Quantity)
	var sb strings.Builder
	fmt.Fprintf(&sb, "AUCTION TRADE RECEIPT\n")
	fmt.Fprintf(&sb, "=====================\n")
	fmt.Fprintf(&sb, "Auction:   #%d\n", d.AuctionID)
	fmt.Fprintf(&sb, "Role:      %s\n", d.Role)
	fmt.Fprintf(&sb, "Trader:    #%d\n", d.TraderID)
	fmt.Fprintf(&sb, "Product:   %s\n", d.Product)
	fmt.Fprintf(&sb, "Price:     %s\n", d.Price.String())
	fmt.Fprintf(&sb, "Quantity:  %s\n", d.Quantity.String())
	fmt.Fprintf(&sb, "Total:     %s\n", total.String())
	fmt.Fprintf(&sb, "Timestamp: %s\n", d.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Signature: %s\n", w.sign(d))

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// List 列出一场拍卖的全部回执文件名
func (w *Writer) List(auctionID int64) ([]string, error) {
	if w == nil {
		return nil, nil
	}
	dir := filepath.Join(w.root, "auction_"+strconv.FormatInt(auctionID, 10))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".txt") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Open 读取一份回执，拒绝路径穿越
func (w *Writer) Open(auctionID int64, filename string) ([]byte, error) {
	if w == nil {
		return nil, os.ErrNotExist
	}
	if filename != filepath.Base(filename) || strings.Contains(filename, "..") {
		return nil, ErrInvalidFilename
	}
	dir := filepath.Join(w.root, "auction_"+strconv.FormatInt(auctionID, 10))
	return os.ReadFile(filepath.Join(dir, filename))
}
