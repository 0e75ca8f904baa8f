package tp_layer

import "time"

// initiateTx starts a new transmission. It only runs while the sender is idle.
func (t *Transport) initiateTx(req txRequest, txChan chan<- CanMessage) {
	payload := req.payload
	room := t.payloadRoom()
	t.txAddrType = req.addrType
	t.txFrameLen = len(payload)

	sfPciSize := 1
	if t.txFrameLen > 7 {
		sfPciSize = 2
	}

	if t.txFrameLen+sfPciSize <= room && (sfPciSize == 1 || t.IsFD) {
		data, err := createSingleFramePayload(payload, room)
		if err != nil {
			t.fireError(err)
			t.stopSending()
			return
		}
		if t.emit(t.makeTxMsg(data, req.addrType), txChan) {
			t.txComplete()
		}
		t.stopSending()
		return
	}

	if req.addrType == Functional {
		t.fireError(newError(ErrPayloadTooLong, "%d bytes do not fit a functional single frame", t.txFrameLen))
		t.stopSending()
		return
	}

	ffPciSize := 2
	if t.txFrameLen > maxFirstFrameShortLength {
		ffPciSize = 6
	}
	chunkSize := room - ffPciSize
	firstChunk := payload[:chunkSize]
	t.txBuffer = payload[chunkSize:]

	data, err := createFirstFramePayload(firstChunk, t.txFrameLen, room)
	if err != nil {
		t.fireError(err)
		t.stopSending()
		return
	}

	t.txSeqNum = 1
	t.txState = StateWaitFC
	if !t.emit(t.makeTxMsg(data, Physical), txChan) {
		t.stopSending()
		return
	}
	t.resetTxFCTimer()
}

func (t *Transport) handleTxFlowControl(fc *FlowControlFrame, txChan chan<- CanMessage) {
	if t.txState != StateWaitFC {
		return
	}
	stopTimer(t.timerRxFC)

	switch fc.FlowStatus {
	case FlowStatusContinueToSend:
		t.wftCounter = 0
		t.remoteBlocksize = fc.BlockSize
		t.remoteStmin = fc.STmin
		t.txState = StateTransmit
		t.txBlockCounter = 0
		// The first CF after a flow control frame does not wait for STmin.
		t.resetTxSTminTimer(0)

	case FlowStatusWait:
		t.wftCounter++
		if t.wftCounter > t.config.MaxWaitFrames {
			t.fireError(newError(ErrWaitLimit, "%d wait frames, limit %d", t.wftCounter, t.config.MaxWaitFrames))
			t.stopSending()
			return
		}
		t.resetTxFCTimer()

	case FlowStatusOverflow:
		t.fireError(newError(ErrOverflow, "while sending %d bytes", t.txFrameLen))
		t.stopSending()

	default:
		t.fireError(newError(ErrInvalidFrame, "flow status 0x%X", byte(fc.FlowStatus)))
		t.stopSending()
	}
}

// handleTxTransmit sends the next consecutive frame when the STmin timer fires.
func (t *Transport) handleTxTransmit(txChan chan<- CanMessage) {
	if len(t.txBuffer) == 0 {
		t.stopSending()
		return
	}

	chunkSize := t.payloadRoom() - 1
	var chunk []byte
	if len(t.txBuffer) > chunkSize {
		chunk = t.txBuffer[:chunkSize]
		t.txBuffer = t.txBuffer[chunkSize:]
	} else {
		chunk = t.txBuffer
		t.txBuffer = nil
	}

	data, err := createConsecutiveFramePayload(chunk, t.txSeqNum)
	if err != nil {
		t.fireError(err)
		t.stopSending()
		return
	}
	t.txSeqNum = (t.txSeqNum + 1) % 16
	t.txBlockCounter++

	if !t.emit(t.makeTxMsg(data, Physical), txChan) {
		t.stopSending()
		return
	}

	if len(t.txBuffer) == 0 {
		t.txComplete()
		t.stopSending()
		return
	}
	if t.remoteBlocksize > 0 && t.txBlockCounter >= t.remoteBlocksize {
		t.txState = StateWaitFC
		t.resetTxFCTimer()
		return
	}
	t.resetTxSTminTimer(t.remoteStmin)
}

func (t *Transport) resetTxFCTimer() {
	stopTimer(t.timerRxFC)
	t.timerRxFC.Reset(t.config.TimeoutN_Bs)
}

func (t *Transport) resetTxSTminTimer(d time.Duration) {
	stopTimer(t.timerTxSTmin)
	t.timerTxSTmin.Reset(d)
}
