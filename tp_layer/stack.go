package tp_layer

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Transport is one ISO-TP link. All protocol state is owned by the Run loop.
type Transport struct {
	address       *Address
	IsFD          bool
	BitrateSwitch bool
	MaxDataLength int
	rxState       State
	txState       State
	rxBuffer      []byte
	txBuffer      []byte

	rxDataChan chan []byte
	txDataChan chan txRequest

	rxFrameLen      int
	txFrameLen      int
	rxSeqNum        int
	txSeqNum        int
	rxBlockCounter  int
	txBlockCounter  int
	remoteBlocksize int
	remoteStmin     time.Duration
	txAddrType      AddressType

	timerRxCF    *time.Timer
	timerRxFC    *time.Timer
	timerTxSTmin *time.Timer

	config Config
	log    *zap.SugaredLogger

	wftCounter int
	receiving  atomic.Bool

	// ErrorChan receives protocol errors. Sends never block; errors are
	// dropped when nobody drains it.
	ErrorChan chan error
	// TxDone is signalled once the last frame of a message has been handed
	// to the link. Like ErrorChan it never blocks the loop.
	TxDone chan struct{}
}

type txRequest struct {
	payload  []byte
	addrType AddressType
}

func NewTransport(address *Address, cfg Config) *Transport {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	t := &Transport{
		address:       address,
		rxDataChan:    make(chan []byte, cfg.BufferSize),
		txDataChan:    make(chan txRequest, cfg.BufferSize),
		MaxDataLength: 8,
		timerRxCF:     time.NewTimer(time.Hour),
		timerRxFC:     time.NewTimer(time.Hour),
		timerTxSTmin:  time.NewTimer(time.Hour),
		config:        cfg,
		log:           log,
		ErrorChan:     make(chan error, cfg.BufferSize),
		TxDone:        make(chan struct{}, cfg.BufferSize),
	}
	t.timerRxCF.Stop()
	t.timerRxFC.Stop()
	t.timerTxSTmin.Stop()

	t.stopReceiving()
	t.stopSending()
	return t
}

// SetFDMode switches between 8 and 64 byte frames. Call it before Run.
func (t *Transport) SetFDMode(isFD bool) {
	t.IsFD = isFD
	if isFD {
		t.MaxDataLength = 64
	} else {
		t.MaxDataLength = 8
	}
}

// Send queues data for physical transmission. It blocks while the queue is full.
func (t *Transport) Send(data []byte) {
	t.txDataChan <- txRequest{payload: data, addrType: Physical}
}

// SendWithAddressType queues data for physical or functional transmission.
func (t *Transport) SendWithAddressType(data []byte, addrType AddressType) {
	t.txDataChan <- txRequest{payload: data, addrType: addrType}
}

// SendContext queues data, giving up when ctx is done.
func (t *Transport) SendContext(ctx context.Context, data []byte, addrType AddressType) error {
	select {
	case t.txDataChan <- txRequest{payload: data, addrType: addrType}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns a received message without blocking.
func (t *Transport) Recv() ([]byte, bool) {
	select {
	case data := <-t.rxDataChan:
		return data, true
	default:
		return nil, false
	}
}

// Receiving reports whether a multi-frame message is being reassembled.
func (t *Transport) Receiving() bool { return t.receiving.Load() }

// RxChan delivers complete received messages.
func (t *Transport) RxChan() <-chan []byte { return t.rxDataChan }

// ClearRx discards received messages nobody picked up.
func (t *Transport) ClearRx() {
	for {
		select {
		case <-t.rxDataChan:
		default:
			return
		}
	}
}

// Run drives the protocol until ctx is done. New transmissions are only
// accepted while the transmitter is idle.
func (t *Transport) Run(ctx context.Context, rxChan <-chan CanMessage, txChan chan<- CanMessage) {
	defer t.cleanup()

	for {
		var txDataEnable <-chan txRequest
		if t.txState == StateIdle {
			txDataEnable = t.txDataChan
		}

		select {
		case <-ctx.Done():
			return

		case msg, ok := <-rxChan:
			if !ok {
				return
			}
			t.ProcessRx(msg, txChan)

		case req := <-txDataEnable:
			t.initiateTx(req, txChan)

		case <-t.timerRxCF.C:
			t.fireError(newError(ErrRxTimeout, "after %v, %d of %d bytes received", t.config.TimeoutN_Cr, len(t.rxBuffer), t.rxFrameLen))
			t.stopReceiving()

		case <-t.timerRxFC.C:
			t.fireError(newError(ErrFlowControlTimeout, "after %v", t.config.TimeoutN_Bs))
			t.stopSending()

		case <-t.timerTxSTmin.C:
			if t.txState == StateTransmit {
				t.handleTxTransmit(txChan)
			}
		}
	}
}

func (t *Transport) cleanup() {
	t.timerRxCF.Stop()
	t.timerRxFC.Stop()
	t.timerTxSTmin.Stop()
}

func stopTimer(tm *time.Timer) {
	if !tm.Stop() {
		select {
		case <-tm.C:
		default:
		}
	}
}

func (t *Transport) stopReceiving() {
	t.rxState = StateIdle
	t.receiving.Store(false)
	t.rxBuffer = nil
	t.rxFrameLen = 0
	t.rxSeqNum = 0
	t.rxBlockCounter = 0
	stopTimer(t.timerRxCF)
}

func (t *Transport) stopSending() {
	t.txState = StateIdle
	t.txBuffer = nil
	t.txFrameLen = 0
	t.txSeqNum = 0
	t.txBlockCounter = 0
	t.wftCounter = 0
	stopTimer(t.timerRxFC)
	stopTimer(t.timerTxSTmin)
}

// payloadRoom is the PCI plus data room left after the address prefix.
func (t *Transport) payloadRoom() int {
	return t.MaxDataLength - len(t.address.TxPayloadPrefix)
}

func (t *Transport) makeTxMsg(data []byte, addrType AddressType) CanMessage {
	full := make([]byte, 0, t.MaxDataLength)
	full = append(full, t.address.TxPayloadPrefix...)
	full = append(full, data...)
	full = padPayload(full, t.config.PaddingByte, t.config.DataLengthOptimization)
	return CanMessage{
		ArbitrationID: t.address.GetTxArbitrationID(addrType),
		Data:          full,
		IsExtendedID:  t.address.Is29Bit(),
		IsFD:          t.IsFD,
		BitrateSwitch: t.IsFD && t.BitrateSwitch,
	}
}

// emit hands a frame to the link without blocking the loop.
func (t *Transport) emit(msg CanMessage, txChan chan<- CanMessage) bool {
	select {
	case txChan <- msg:
		t.log.Debugw("isotp tx", "frame", msg.String())
		return true
	default:
		t.fireError(newError(ErrTxBufferFull, "%s", msg.String()))
		return false
	}
}

func (t *Transport) txComplete() {
	select {
	case t.TxDone <- struct{}{}:
	default:
	}
}

func (t *Transport) fireError(err error) {
	t.log.Warnw("isotp error", "error", err, "address", t.address.String())
	select {
	case t.ErrorChan <- err:
	default:
	}
}
