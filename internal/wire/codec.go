package wire

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/roach88/meshcal/internal/calendar"
)

// Version is the envelope schema version this package writes. Decoders
// accept any version up to and including it; an absent version means 1.
const Version = 1

// Envelope field numbers. Numbers are never reused.
const (
	fieldType         protowire.Number = 1
	fieldEventID      protowire.Number = 2
	fieldEventData    protowire.Number = 3
	fieldEventsData   protowire.Number = 4
	fieldCalendarID   protowire.Number = 5
	fieldDescription  protowire.Number = 6
	fieldCalendarName protowire.Number = 7
	fieldTimestamp    protowire.Number = 8
	fieldSenderID     protowire.Number = 9
	fieldVersion      protowire.Number = 15
)

// Event payload field numbers.
const (
	eventFieldID         protowire.Number = 1
	eventFieldTitle      protowire.Number = 2
	eventFieldCalendarID protowire.Number = 3
	eventFieldDate       protowire.Number = 4
	eventFieldStartTime  protowire.Number = 5
	eventFieldEndTime    protowire.Number = 6
	eventFieldAllDay     protowire.Number = 7
	eventFieldMeta       protowire.Number = 8
)

// Metadata payload field numbers.
const (
	metaFieldLocation  protowire.Number = 1
	metaFieldAttendees protowire.Number = 2
	metaFieldPriority  protowire.Number = 3
	metaFieldStatus    protowire.Number = 4
	metaFieldCategory  protowire.Number = 5
	metaFieldURL       protowire.Number = 6
	metaFieldReminders protowire.Number = 7
	metaFieldCustom    protowire.Number = 8
)

// Event list and map entry field numbers.
const (
	listFieldEvent  protowire.Number = 1
	entryFieldKey   protowire.Number = 1
	entryFieldValue protowire.Number = 2
)

// Encode serializes env. Empty strings and absent optional fields are
// omitted; SyncEvents always carries its (possibly empty) list.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("encode: nil envelope")
	}
	h := env.Head()
	if h.Timestamp < 0 {
		return nil, fmt.Errorf("encode: negative timestamp %d", h.Timestamp)
	}

	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Type()))

	switch e := env.(type) {
	case CreateEvent:
		b = appendEventFields(b, e.Event)
	case UpdateEvent:
		b = appendEventFields(b, e.Event)
	case DeleteEvent:
		b = appendString(b, fieldEventID, e.ID)
		b = appendString(b, fieldCalendarID, e.CalendarID)
	case SyncEvents:
		b = appendString(b, fieldCalendarID, e.CalendarID)
		b = protowire.AppendTag(b, fieldEventsData, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEventList(e.Events))
	case SyncCalendarDescription:
		b = appendString(b, fieldCalendarID, e.CalendarID)
		b = appendString(b, fieldDescription, e.Description)
	case UnshareCalendar:
		b = appendString(b, fieldCalendarID, e.CalendarID)
		b = appendString(b, fieldCalendarName, e.CalendarName)
	default:
		return nil, fmt.Errorf("encode: unsupported envelope %T", env)
	}

	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Timestamp))
	b = appendString(b, fieldSenderID, h.SenderID)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	return b, nil
}

func appendEventFields(b []byte, ev calendar.Event) []byte {
	b = appendString(b, fieldEventID, ev.ID)
	b = protowire.AppendTag(b, fieldEventData, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeEvent(ev))
	return appendString(b, fieldCalendarID, ev.CalendarID)
}

// envelopeFields collects raw field values before the variant is built.
type envelopeFields struct {
	typ          ActionType
	eventID      string
	eventData    []byte
	hasEvent     bool
	eventsData   []byte
	calendarID   string
	description  string
	calendarName string
	timestamp    uint64
	senderID     string
	version      uint64
}

// Decode parses an envelope. Unknown fields are skipped. A single-event
// envelope whose event cannot be decoded fails as a whole; inside a
// SyncEvents list only the malformed events are dropped.
func Decode(data []byte) (Envelope, error) {
	var f envelopeFields
	r := fieldReader{b: data}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch {
		case num == fieldType && typ == protowire.VarintType:
			f.typ = ActionType(int32(r.varint()))
		case num == fieldEventID && typ == protowire.BytesType:
			f.eventID = string(r.bytes())
		case num == fieldEventData && typ == protowire.BytesType:
			f.eventData, f.hasEvent = r.bytes(), true
		case num == fieldEventsData && typ == protowire.BytesType:
			f.eventsData = r.bytes()
		case num == fieldCalendarID && typ == protowire.BytesType:
			f.calendarID = string(r.bytes())
		case num == fieldDescription && typ == protowire.BytesType:
			f.description = string(r.bytes())
		case num == fieldCalendarName && typ == protowire.BytesType:
			f.calendarName = string(r.bytes())
		case num == fieldTimestamp && typ == protowire.VarintType:
			f.timestamp = r.varint()
		case num == fieldSenderID && typ == protowire.BytesType:
			f.senderID = string(r.bytes())
		case num == fieldVersion && typ == protowire.VarintType:
			f.version = r.varint()
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, decodeErr("", r.err)
	}

	if f.version > Version {
		return nil, decodeErr("version", fmt.Errorf("unsupported version %d", f.version))
	}
	if f.timestamp > math.MaxInt64 {
		return nil, decodeErr("timestamp", fmt.Errorf("out of range: %d", f.timestamp))
	}
	h := Header{SenderID: f.senderID, Timestamp: int64(f.timestamp)}

	switch f.typ {
	case TypeCreateEvent, TypeUpdateEvent:
		if !f.hasEvent {
			return nil, decodeErr("eventData", errors.New("missing event payload"))
		}
		ev, err := decodeEvent(f.eventData)
		if err != nil {
			return nil, err
		}
		if ev.ID == "" {
			ev.ID = f.eventID
		}
		if ev.CalendarID == "" {
			ev.CalendarID = f.calendarID
		}
		if f.typ == TypeCreateEvent {
			return CreateEvent{Header: h, Event: ev}, nil
		}
		return UpdateEvent{Header: h, Event: ev}, nil

	case TypeDeleteEvent:
		return DeleteEvent{Header: h, CalendarID: f.calendarID, ID: f.eventID}, nil

	case TypeSyncEvents:
		events, err := decodeEventList(f.eventsData, f.calendarID)
		if err != nil {
			return nil, err
		}
		return SyncEvents{Header: h, CalendarID: f.calendarID, Events: events}, nil

	case TypeSyncCalendarDescription:
		return SyncCalendarDescription{Header: h, CalendarID: f.calendarID, Description: f.description}, nil

	case TypeUnshareCalendar:
		return UnshareCalendar{Header: h, CalendarID: f.calendarID, CalendarName: f.calendarName}, nil
	}
	return nil, decodeErr("type", fmt.Errorf("unknown action type %v", f.typ))
}

func encodeEvent(ev calendar.Event) []byte {
	var b []byte
	b = appendString(b, eventFieldID, ev.ID)
	b = appendString(b, eventFieldTitle, ev.Title)
	b = appendString(b, eventFieldCalendarID, ev.CalendarID)
	if !ev.Date.IsZero() {
		// timestamppb marshaling cannot fail for a valid message.
		ts, _ := proto.Marshal(timestamppb.New(ev.Date))
		b = protowire.AppendTag(b, eventFieldDate, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	b = appendString(b, eventFieldStartTime, ev.StartTime)
	b = appendString(b, eventFieldEndTime, ev.EndTime)
	if ev.AllDay {
		b = protowire.AppendTag(b, eventFieldAllDay, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if !ev.Meta.Empty() {
		b = protowire.AppendTag(b, eventFieldMeta, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMeta(ev.Meta))
	}
	return b
}

func decodeEvent(data []byte) (calendar.Event, error) {
	var ev calendar.Event
	r := fieldReader{b: data}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch {
		case num == eventFieldID && typ == protowire.BytesType:
			ev.ID = string(r.bytes())
		case num == eventFieldTitle && typ == protowire.BytesType:
			ev.Title = string(r.bytes())
		case num == eventFieldCalendarID && typ == protowire.BytesType:
			ev.CalendarID = string(r.bytes())
		case num == eventFieldDate && typ == protowire.BytesType:
			date, err := decodeDate(r.bytes())
			if err != nil {
				return calendar.Event{}, decodeErr("event.date", err)
			}
			ev.Date = date
		case num == eventFieldStartTime && typ == protowire.BytesType:
			ev.StartTime = string(r.bytes())
		case num == eventFieldEndTime && typ == protowire.BytesType:
			ev.EndTime = string(r.bytes())
		case num == eventFieldAllDay && typ == protowire.VarintType:
			ev.AllDay = protowire.DecodeBool(r.varint())
		case num == eventFieldMeta && typ == protowire.BytesType:
			meta, err := decodeMeta(r.bytes())
			if err != nil {
				return calendar.Event{}, decodeErr("event.meta", err)
			}
			ev.Meta = meta
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return calendar.Event{}, decodeErr("event", r.err)
	}
	return ev, nil
}

func decodeDate(data []byte) (time.Time, error) {
	ts := &timestamppb.Timestamp{}
	if err := proto.Unmarshal(data, ts); err != nil {
		return time.Time{}, err
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, err
	}
	return ts.AsTime(), nil
}

func encodeEventList(events []calendar.Event) []byte {
	var b []byte
	for _, ev := range events {
		b = protowire.AppendTag(b, listFieldEvent, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEvent(ev))
	}
	return b
}

// decodeEventList always returns a non-nil slice. Events that fail to decode
// are dropped and logged; the list itself only fails on framing errors.
func decodeEventList(data []byte, calendarID string) ([]calendar.Event, error) {
	events := make([]calendar.Event, 0)
	r := fieldReader{b: data}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		if num != listFieldEvent || typ != protowire.BytesType {
			r.skip(num, typ)
			continue
		}
		raw := r.bytes()
		if r.err != nil {
			break
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			slog.Warn("dropping undecodable event from bulk sync",
				"calendar", calendarID,
				"index", len(events),
				"error", err,
			)
			continue
		}
		if ev.CalendarID == "" {
			ev.CalendarID = calendarID
		}
		events = append(events, ev)
	}
	if r.err != nil {
		return nil, decodeErr("eventsData", r.err)
	}
	return events, nil
}

func encodeMeta(m *calendar.Metadata) []byte {
	var b []byte
	b = appendString(b, metaFieldLocation, m.Location)
	for _, a := range m.Attendees {
		b = protowire.AppendTag(b, metaFieldAttendees, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	b = appendString(b, metaFieldPriority, m.Priority)
	b = appendString(b, metaFieldStatus, m.Status)
	b = appendString(b, metaFieldCategory, m.Category)
	b = appendString(b, metaFieldURL, m.URL)
	if len(m.Reminders) > 0 {
		var packed []byte
		for _, r := range m.Reminders {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(r)))
		}
		b = protowire.AppendTag(b, metaFieldReminders, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(m.Custom) > 0 {
		keys := make([]string, 0, len(m.Custom))
		for k := range m.Custom {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var entry []byte
			entry = appendString(entry, entryFieldKey, k)
			entry = appendString(entry, entryFieldValue, m.Custom[k])
			b = protowire.AppendTag(b, metaFieldCustom, protowire.BytesType)
			b = protowire.AppendBytes(b, entry)
		}
	}
	return b
}

func decodeMeta(data []byte) (*calendar.Metadata, error) {
	m := &calendar.Metadata{}
	r := fieldReader{b: data}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch {
		case num == metaFieldLocation && typ == protowire.BytesType:
			m.Location = string(r.bytes())
		case num == metaFieldAttendees && typ == protowire.BytesType:
			m.Attendees = append(m.Attendees, string(r.bytes()))
		case num == metaFieldPriority && typ == protowire.BytesType:
			m.Priority = string(r.bytes())
		case num == metaFieldStatus && typ == protowire.BytesType:
			m.Status = string(r.bytes())
		case num == metaFieldCategory && typ == protowire.BytesType:
			m.Category = string(r.bytes())
		case num == metaFieldURL && typ == protowire.BytesType:
			m.URL = string(r.bytes())
		case num == metaFieldReminders && typ == protowire.BytesType:
			packed := fieldReader{b: r.bytes()}
			for len(packed.b) > 0 && packed.err == nil {
				m.Reminders = append(m.Reminders, int(protowire.DecodeZigZag(packed.varint())))
			}
			if packed.err != nil {
				return nil, packed.err
			}
		case num == metaFieldReminders && typ == protowire.VarintType:
			m.Reminders = append(m.Reminders, int(protowire.DecodeZigZag(r.varint())))
		case num == metaFieldCustom && typ == protowire.BytesType:
			k, v, err := decodeEntry(r.bytes())
			if err != nil {
				return nil, err
			}
			if m.Custom == nil {
				m.Custom = make(map[string]string)
			}
			m.Custom[k] = v
		default:
			r.skip(num, typ)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

func decodeEntry(data []byte) (string, string, error) {
	var k, v string
	r := fieldReader{b: data}
	for {
		num, typ, ok := r.next()
		if !ok {
			break
		}
		switch {
		case num == entryFieldKey && typ == protowire.BytesType:
			k = string(r.bytes())
		case num == entryFieldValue && typ == protowire.BytesType:
			v = string(r.bytes())
		default:
			r.skip(num, typ)
		}
	}
	return k, v, r.err
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// fieldReader walks a protobuf-framed buffer. The first framing error
// sticks in err and ends iteration.
type fieldReader struct {
	b   []byte
	err error
}

func (r *fieldReader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0, 0, false
	}
	r.b = r.b[n:]
	return num, typ, true
}

func (r *fieldReader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *fieldReader) skip(num protowire.Number, typ protowire.Type) {
	if r.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.b = r.b[n:]
}
