package collector

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Linux 进程连接器（NETLINK_CONNECTOR / CN_IDX_PROC）协议常量
const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCnMcastListen = 1
	procCnMcastIgnore = 2

	nlmsgHdrLen  = 16
	cnMsgLen     = 20
	procEvHdrLen = 16
	nlmsgDone    = 0x3

	procEventNone = 0x00000000
	procEventFork = 0x00000001
	procEventExec = 0x00000002
	procEventExit = 0x80000000
)

var errShortMessage = errors.New("short proc connector message")

// procEventKind 解析后的事件类型
type procEventKind int

const (
	procKindOther procEventKind = iota
	procKindFork
	procKindExec
	procKindExit
)

// procEvent 从内核消息中解析出的单个事件
//
// fork 事件的 PID/TGID 为子进程，Parent 为父进程的 TGID。
type procEvent struct {
	Kind   procEventKind
	PID    int
	TGID   int
	Parent int
}

// leader 是否为线程组 leader（即进程本身而非线程）
func (e procEvent) leader() bool {
	return e.PID == e.TGID
}

// buildMcastMessage 构造订阅/退订消息：nlmsghdr + cn_msg + op
func buildMcastMessage(op uint32, seq uint32, portID uint32) []byte {
	total := nlmsgHdrLen + cnMsgLen + 4
	buf := make([]byte, total)
	ne := binary.NativeEndian

	// nlmsghdr
	ne.PutUint32(buf[0:4], uint32(total))
	ne.PutUint16(buf[4:6], nlmsgDone)
	ne.PutUint16(buf[6:8], 0)
	ne.PutUint32(buf[8:12], seq)
	ne.PutUint32(buf[12:16], portID)

	// cn_msg
	cn := buf[nlmsgHdrLen:]
	ne.PutUint32(cn[0:4], cnIdxProc)
	ne.PutUint32(cn[4:8], cnValProc)
	ne.PutUint32(cn[8:12], seq)
	ne.PutUint32(cn[12:16], 0)
	ne.PutUint16(cn[16:18], 4)
	ne.PutUint16(cn[18:20], 0)

	ne.PutUint32(buf[nlmsgHdrLen+cnMsgLen:], op)
	return buf
}

// parseProcEvents 解析一次 recv 得到的数据，可能包含多条 netlink 消息
func parseProcEvents(buf []byte) ([]procEvent, error) {
	ne := binary.NativeEndian
	var events []procEvent

	for len(buf) >= nlmsgHdrLen {
		msgLen := int(ne.Uint32(buf[0:4]))
		if msgLen < nlmsgHdrLen || msgLen > len(buf) {
			return events, fmt.Errorf("%w: netlink length %d of %d", errShortMessage, msgLen, len(buf))
		}

		if ev, ok, err := parseConnectorPayload(buf[nlmsgHdrLen:msgLen]); err != nil {
			return events, err
		} else if ok {
			events = append(events, ev)
		}

		next := align4(msgLen)
		if next >= len(buf) {
			break
		}
		buf = buf[next:]
	}
	return events, nil
}

func parseConnectorPayload(data []byte) (procEvent, bool, error) {
	ne := binary.NativeEndian
	if len(data) < cnMsgLen {
		return procEvent{}, false, fmt.Errorf("%w: cn_msg", errShortMessage)
	}
	idx := ne.Uint32(data[0:4])
	val := ne.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return procEvent{}, false, nil
	}
	payloadLen := int(ne.Uint16(data[16:18]))
	payload := data[cnMsgLen:]
	if payloadLen < len(payload) {
		payload = payload[:payloadLen]
	}
	if len(payload) < procEvHdrLen {
		return procEvent{}, false, fmt.Errorf("%w: proc_event", errShortMessage)
	}

	what := ne.Uint32(payload[0:4])
	body := payload[procEvHdrLen:]

	switch what {
	case procEventNone:
		// 订阅确认
		return procEvent{}, false, nil
	case procEventFork:
		// parent_pid, parent_tgid, child_pid, child_tgid
		if len(body) < 16 {
			return procEvent{}, false, fmt.Errorf("%w: fork", errShortMessage)
		}
		return procEvent{
			Kind:   procKindFork,
			PID:    int(ne.Uint32(body[8:12])),
			TGID:   int(ne.Uint32(body[12:16])),
			Parent: int(ne.Uint32(body[4:8])),
		}, true, nil
	case procEventExec:
		// process_pid, process_tgid
		if len(body) < 8 {
			return procEvent{}, false, fmt.Errorf("%w: exec", errShortMessage)
		}
		return procEvent{
			Kind: procKindExec,
			PID:  int(ne.Uint32(body[0:4])),
			TGID: int(ne.Uint32(body[4:8])),
		}, true, nil
	case procEventExit:
		// process_pid, process_tgid, exit_code, exit_signal
		if len(body) < 8 {
			return procEvent{}, false, fmt.Errorf("%w: exit", errShortMessage)
		}
		return procEvent{
			Kind: procKindExit,
			PID:  int(ne.Uint32(body[0:4])),
			TGID: int(ne.Uint32(body[4:8])),
		}, true, nil
	default:
		return procEvent{Kind: procKindOther}, false, nil
	}
}

func align4(n int) int {
	return (n + 3) &^ 3
}
