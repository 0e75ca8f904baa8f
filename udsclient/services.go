package udsclient

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Service identifiers.
const (
	SIDSessionControl       = 0x10
	SIDECUReset             = 0x11
	SIDClearDTCs            = 0x14
	SIDReadDTCs             = 0x19
	SIDReadDID              = 0x22
	SIDSecurityAccess       = 0x27
	SIDCommunicationControl = 0x28
	SIDWriteDID             = 0x2E
	SIDRoutineControl       = 0x31
	SIDRequestDownload      = 0x34
	SIDTransferData         = 0x36
	SIDRequestTransferExit  = 0x37
	SIDTesterPresent        = 0x3E
	SIDControlDTCSetting    = 0x85
)

// Diagnostic sessions.
const (
	SessionDefault     = 0x01
	SessionProgramming = 0x02
	SessionExtended    = 0x03
)

var resetTypes = map[string]byte{
	"hard_reset":       0x01,
	"key_off_on_reset": 0x02,
	"soft_reset":       0x03,
}

// SessionControl switches the diagnostic session and returns the timing
// record the ECU reports.
func (c *Client) SessionControl(ctx context.Context, session byte) ([]byte, error) {
	resp, err := c.SendService(ctx, SIDSessionControl, []byte{session})
	if err != nil {
		return nil, err
	}
	return trimEcho(resp, 1)
}

// ECUReset resets the ECU. resetType is hard_reset, key_off_on_reset or soft_reset.
func (c *Client) ECUReset(ctx context.Context, resetType string) ([]byte, error) {
	rt, ok := resetTypes[resetType]
	if !ok {
		return nil, fmt.Errorf("%w: reset type %q", ErrInvalidArgument, resetType)
	}
	return c.SendService(ctx, SIDECUReset, []byte{rt})
}

// ClearDTCs clears a DTC group, 0xFFFFFF for all of them.
func (c *Client) ClearDTCs(ctx context.Context, group uint32) error {
	if group > 0xFFFFFF {
		return fmt.Errorf("%w: DTC group 0x%X", ErrInvalidArgument, group)
	}
	_, err := c.SendService(ctx, SIDClearDTCs, []byte{byte(group >> 16), byte(group >> 8), byte(group)})
	return err
}

// DTC is one diagnostic trouble code with its status byte.
type DTC struct {
	Code   uint32
	Status byte
}

func (d DTC) String() string { return fmt.Sprintf("%06X status 0x%02X", d.Code, d.Status) }

// ReadDTCs reports DTCs by status mask (0x19 sub-function 0x02).
func (c *Client) ReadDTCs(ctx context.Context, statusMask byte) ([]DTC, error) {
	resp, err := c.SendService(ctx, SIDReadDTCs, []byte{0x02, statusMask})
	if err != nil {
		return nil, err
	}
	// sub-function echo and availability mask
	if len(resp) < 2 || resp[0] != 0x02 {
		return nil, fmt.Errorf("%w: % X", ErrUnexpectedResponse, resp)
	}
	records := resp[2:]
	if len(records)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes of DTC records", ErrUnexpectedResponse, len(records))
	}
	dtcs := make([]DTC, 0, len(records)/4)
	for i := 0; i < len(records); i += 4 {
		dtcs = append(dtcs, DTC{
			Code:   uint32(records[i])<<16 | uint32(records[i+1])<<8 | uint32(records[i+2]),
			Status: records[i+3],
		})
	}
	return dtcs, nil
}

// ReadDID returns the data of a data identifier.
func (c *Client) ReadDID(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := c.SendService(ctx, SIDReadDID, u16(did))
	if err != nil {
		return nil, fmt.Errorf("read DID 0x%04X: %w", did, err)
	}
	return trimEcho(resp, 2)
}

// WriteDID writes data to a data identifier.
func (c *Client) WriteDID(ctx context.Context, did uint16, data []byte) ([]byte, error) {
	resp, err := c.SendService(ctx, SIDWriteDID, append(u16(did), data...))
	if err != nil {
		return nil, fmt.Errorf("write DID 0x%04X: %w", did, err)
	}
	return trimEcho(resp, 2)
}

// SecurityAccess requests the seed for an odd level or sends key for an even
// level. The seed, or whatever follows the level in a key response, is returned.
func (c *Client) SecurityAccess(ctx context.Context, level byte, key []byte) ([]byte, error) {
	if level == 0 || level > 0x7E {
		return nil, fmt.Errorf("%w: security level 0x%02X", ErrInvalidArgument, level)
	}
	req := []byte{level}
	if level%2 == 0 {
		if len(key) == 0 {
			return nil, fmt.Errorf("%w: no key for level 0x%02X", ErrInvalidArgument, level)
		}
		req = append(req, key...)
	}
	resp, err := c.SendService(ctx, SIDSecurityAccess, req)
	if err != nil {
		return nil, err
	}
	return trimEcho(resp, 1)
}

// Unlock runs the seed and key exchange for an odd level. A zero seed means
// the ECU is already unlocked and no key is sent.
func (c *Client) Unlock(ctx context.Context, level byte, keyFn func(seed []byte) ([]byte, error)) error {
	if level%2 == 0 {
		return fmt.Errorf("%w: seed level 0x%02X is even", ErrInvalidArgument, level)
	}
	seed, err := c.SecurityAccess(ctx, level, nil)
	if err != nil {
		return err
	}
	if allZero(seed) {
		return nil
	}
	key, err := keyFn(seed)
	if err != nil {
		return err
	}
	_, err = c.SecurityAccess(ctx, level+1, key)
	return err
}

// CommunicationControl enables or disables normal communication receive and
// transmit.
func (c *Client) CommunicationControl(ctx context.Context, on bool) error {
	control := byte(0x03)
	if on {
		control = 0x00
	}
	_, err := c.SendService(ctx, SIDCommunicationControl, []byte{control, 0x01})
	return err
}

// ControlDTCSetting turns DTC recording on or off.
func (c *Client) ControlDTCSetting(ctx context.Context, on bool) error {
	setting := byte(0x02)
	if on {
		setting = 0x01
	}
	_, err := c.SendService(ctx, SIDControlDTCSetting, []byte{setting})
	return err
}

func (c *Client) routine(ctx context.Context, sub byte, rid uint16, data []byte) ([]byte, error) {
	req := append([]byte{sub}, u16(rid)...)
	resp, err := c.SendService(ctx, SIDRoutineControl, append(req, data...))
	if err != nil {
		return nil, fmt.Errorf("routine 0x%04X: %w", rid, err)
	}
	return trimEcho(resp, 3)
}

// StartRoutine starts a routine and returns its status record.
func (c *Client) StartRoutine(ctx context.Context, rid uint16, data []byte) ([]byte, error) {
	return c.routine(ctx, 0x01, rid, data)
}

func (c *Client) StopRoutine(ctx context.Context, rid uint16, data []byte) ([]byte, error) {
	return c.routine(ctx, 0x02, rid, data)
}

// RoutineResult requests the results of a routine.
func (c *Client) RoutineResult(ctx context.Context, rid uint16, data []byte) ([]byte, error) {
	return c.routine(ctx, 0x03, rid, data)
}

// RequestDownload announces a download of size bytes to address and returns
// the largest request the ECU accepts, SID and sequence counter included.
func (c *Client) RequestDownload(ctx context.Context, address, size uint32) (int, error) {
	req := make([]byte, 10)
	req[0] = 0x00 // no compression or encryption
	req[1] = 0x44 // 4 byte size, 4 byte address
	binary.BigEndian.PutUint32(req[2:], address)
	binary.BigEndian.PutUint32(req[6:], size)
	resp, err := c.SendService(ctx, SIDRequestDownload, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, fmt.Errorf("%w: empty download response", ErrUnexpectedResponse)
	}
	n := int(resp[0] >> 4)
	if n == 0 || n > 4 || len(resp) < 1+n {
		return 0, fmt.Errorf("%w: download response % X", ErrUnexpectedResponse, resp)
	}
	maxLen := 0
	for _, b := range resp[1 : 1+n] {
		maxLen = maxLen<<8 | int(b)
	}
	return maxLen, nil
}

// TransferData sends one block. The ECU must echo the sequence counter.
func (c *Client) TransferData(ctx context.Context, seq byte, data []byte) ([]byte, error) {
	resp, err := c.SendService(ctx, SIDTransferData, append([]byte{seq}, data...))
	if err != nil {
		return nil, fmt.Errorf("transfer block %d: %w", seq, err)
	}
	if len(resp) < 1 || resp[0] != seq {
		return nil, fmt.Errorf("%w: block %d answered with % X", ErrUnexpectedResponse, seq, resp)
	}
	return resp[1:], nil
}

func (c *Client) RequestTransferExit(ctx context.Context) ([]byte, error) {
	return c.SendService(ctx, SIDRequestTransferExit, nil)
}

// trimEcho drops the n request bytes the ECU repeats in its response.
func trimEcho(resp []byte, n int) ([]byte, error) {
	if len(resp) < n {
		return nil, fmt.Errorf("%w: % X is shorter than %d bytes", ErrUnexpectedResponse, resp, n)
	}
	return resp[n:], nil
}

func u16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
