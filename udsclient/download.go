package udsclient

import (
	"context"
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

// Download flashes every data segment of an Intel HEX image with request
// download, transfer data and request transfer exit.
func (c *Client) Download(ctx context.Context, image io.Reader) error {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(image); err != nil {
		return fmt.Errorf("parse hex: %w", err)
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return fmt.Errorf("%w: image has no data", ErrInvalidArgument)
	}
	for _, seg := range segments {
		if err := c.downloadSegment(ctx, seg.Address, seg.Data); err != nil {
			return fmt.Errorf("segment 0x%08X: %w", seg.Address, err)
		}
	}
	return nil
}

func (c *Client) downloadSegment(ctx context.Context, address uint32, data []byte) error {
	maxLen, err := c.RequestDownload(ctx, address, uint32(len(data)))
	if err != nil {
		return err
	}
	// SID and sequence counter
	block := maxLen - 2
	if block <= 0 {
		return fmt.Errorf("%w: max block length %d", ErrUnexpectedResponse, maxLen)
	}
	c.log.Infow("download", "address", fmt.Sprintf("0x%08X", address), "size", len(data), "block", block)

	seq := byte(1)
	for off := 0; off < len(data); off += block {
		end := off + block
		if end > len(data) {
			end = len(data)
		}
		if _, err := c.TransferData(ctx, seq, data[off:end]); err != nil {
			return err
		}
		seq++
	}
	_, err = c.RequestTransferExit(ctx)
	return err
}
