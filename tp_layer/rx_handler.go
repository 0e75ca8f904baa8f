package tp_layer

// ProcessRx handles one CAN frame. Flow control frames are answered on txChan.
func (t *Transport) ProcessRx(msg CanMessage, txChan chan<- CanMessage) {
	if !t.address.IsForMe(&msg) {
		return
	}

	frame, err := ParseFrame(&msg, t.address.RxPrefixSize)
	if err != nil {
		t.fireError(err)
		return
	}
	t.log.Debugw("isotp rx", "frame", msg.String())

	switch f := frame.(type) {
	case *FlowControlFrame:
		t.handleTxFlowControl(f, txChan)
	case *SingleFrame:
		t.handleRxSingleFrame(f)
	case *FirstFrame:
		t.handleRxFirstFrame(f, txChan)
	case *ConsecutiveFrame:
		t.handleRxConsecutiveFrame(f, txChan)
	}
}

func (t *Transport) deliver(data []byte) {
	out := make([]byte, len(data))
	copy(out, data)
	select {
	case t.rxDataChan <- out:
	default:
		t.fireError(newError(ErrRxBufferFull, "% X", out))
	}
}

func (t *Transport) handleRxSingleFrame(f *SingleFrame) {
	if t.rxState != StateIdle {
		t.fireError(newError(ErrInterrupted, "single frame during multi frame reception"))
	}
	t.stopReceiving()
	t.deliver(f.Data)
}

func (t *Transport) handleRxFirstFrame(f *FirstFrame, txChan chan<- CanMessage) {
	if t.rxState != StateIdle {
		t.fireError(newError(ErrInterrupted, "first frame during multi frame reception"))
	}
	t.stopReceiving()

	if limit := t.config.maxRxSize(); f.TotalSize > limit {
		t.sendFlowControl(FlowStatusOverflow, txChan)
		t.fireError(newError(ErrRxTooLong, "%d bytes, limit %d", f.TotalSize, limit))
		return
	}

	t.rxFrameLen = f.TotalSize
	// grows as consecutive frames arrive
	t.rxBuffer = append([]byte(nil), f.Data...)

	if len(t.rxBuffer) >= t.rxFrameLen {
		t.deliver(t.rxBuffer[:t.rxFrameLen])
		t.stopReceiving()
		return
	}
	t.rxState = StateWaitCF
	t.receiving.Store(true)
	t.rxSeqNum = 1
	t.sendFlowControl(FlowStatusContinueToSend, txChan)
	t.resetRxTimer()
}

func (t *Transport) handleRxConsecutiveFrame(f *ConsecutiveFrame, txChan chan<- CanMessage) {
	if t.rxState != StateWaitCF {
		return
	}
	if f.SequenceNumber != t.rxSeqNum {
		t.fireError(newError(ErrWrongSequence, "expected %d, got %d", t.rxSeqNum, f.SequenceNumber))
		t.stopReceiving()
		return
	}

	t.resetRxTimer()
	t.rxSeqNum = (t.rxSeqNum + 1) % 16

	remaining := t.rxFrameLen - len(t.rxBuffer)
	if len(f.Data) > remaining {
		t.rxBuffer = append(t.rxBuffer, f.Data[:remaining]...)
	} else {
		t.rxBuffer = append(t.rxBuffer, f.Data...)
	}

	if len(t.rxBuffer) >= t.rxFrameLen {
		t.deliver(t.rxBuffer)
		t.stopReceiving()
		return
	}
	t.rxBlockCounter++
	if t.config.BlockSize > 0 && t.rxBlockCounter >= t.config.BlockSize {
		t.rxBlockCounter = 0
		t.sendFlowControl(FlowStatusContinueToSend, txChan)
	}
}

func (t *Transport) resetRxTimer() {
	stopTimer(t.timerRxCF)
	t.timerRxCF.Reset(t.config.TimeoutN_Cr)
}

// sendFlowControl answers the sender. Flow control is always physical.
func (t *Transport) sendFlowControl(status FlowStatus, txChan chan<- CanMessage) {
	payload := createFlowControlPayload(status, t.config.BlockSize, t.config.StMin)
	t.emit(t.makeTxMsg(payload, Physical), txChan)
}
