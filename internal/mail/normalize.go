package mail

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// The remote API serves records in two shapes depending on which
// backend path produced them: a flat JSON object, or a nested
// attribute-map where every value is wrapped in a type tag
// ({"S": "..."}, {"N": "123"}, {"BOOL": true}, ...). Both are resolved
// here into the flat EmailRecord; nothing downstream sees the
// difference.

// NoSubject is the placeholder for records without a subject header.
const NoSubject = "(No Subject)"

// ErrMissingEmailID marks a transport record without an emailId. Such
// records are dropped from the batch by callers, not fatal to it.
var ErrMissingEmailID = errors.New("transport record missing emailId")

// Shape identifies which transport encoding a raw record uses.
type Shape int

const (
	ShapeFlat Shape = iota
	ShapeAttributeMap
)

// attrValue is one tagged value in the attribute-map shape.
type attrValue struct {
	S    *string              `json:"S"`
	N    *string              `json:"N"`
	Bool *bool                `json:"BOOL"`
	Null *bool                `json:"NULL"`
	SS   []string             `json:"SS"`
	L    []json.RawMessage    `json:"L"`
	M    map[string]attrValue `json:"M"`
}

// DetectShape inspects a raw transport record and classifies it. A
// record is attribute-mapped when its emailId field (or, failing that,
// its first object-valued field) carries a recognised type tag.
func DetectShape(fields map[string]json.RawMessage) Shape {
	probe := func(raw json.RawMessage) (Shape, bool) {
		trimmed := strings.TrimSpace(string(raw))
		if !strings.HasPrefix(trimmed, "{") {
			return ShapeFlat, false
		}
		var av map[string]json.RawMessage
		if err := json.Unmarshal(raw, &av); err != nil {
			return ShapeFlat, false
		}
		if len(av) != 1 {
			return ShapeFlat, true
		}
		for tag := range av {
			switch tag {
			case "S", "N", "BOOL", "NULL", "SS", "L", "M":
				return ShapeAttributeMap, true
			}
		}
		return ShapeFlat, true
	}

	if raw, ok := fields["emailId"]; ok {
		if shape, decided := probe(raw); decided {
			return shape
		}
	}
	for _, raw := range fields {
		if shape, decided := probe(raw); decided {
			return shape
		}
	}
	return ShapeFlat
}

// flatRecord mirrors the flat transport shape. Timestamp tolerates both
// numeric and string encodings.
type flatRecord struct {
	EmailID        string       `json:"emailId"`
	AccountID      string       `json:"accountId"`
	Folder         string       `json:"folder"`
	Timestamp      json.Number  `json:"timestamp"`
	Subject        string       `json:"subject"`
	From           string       `json:"from"`
	FromName       string       `json:"fromName"`
	To             []string     `json:"to"`
	Cc             []string     `json:"cc"`
	Bcc            []string     `json:"bcc"`
	BodyHTML       string       `json:"bodyHtml"`
	BodyText       string       `json:"bodyText"`
	Unread         bool         `json:"unread"`
	Starred        bool         `json:"starred"`
	Archived       bool         `json:"archived"`
	HasAttachments bool         `json:"hasAttachments"`
	Attachments    []Attachment `json:"attachments"`
	ThreadID       string       `json:"threadId"`
}

// NormalizeRecord resolves one transport record into an EmailRecord.
// accountID and folder are the fetch context; they win over whatever
// the transport record claims, since folder membership is decided by
// the query that returned it. now supplies the default timestamp for
// records missing one.
func NormalizeRecord(raw json.RawMessage, accountID string, folder Folder, now func() time.Time) (*EmailRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	var flat flatRecord
	switch DetectShape(fields) {
	case ShapeAttributeMap:
		var err error
		flat, err = unwrapAttributeMap(fields)
		if err != nil {
			return nil, err
		}
	default:
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		if err := dec.Decode(&flat); err != nil {
			return nil, err
		}
	}

	if flat.EmailID == "" {
		return nil, ErrMissingEmailID
	}

	rec := &EmailRecord{
		AccountID:      accountID,
		EmailID:        flat.EmailID,
		Folder:         folder,
		Subject:        flat.Subject,
		FromAddress:    flat.From,
		FromName:       flat.FromName,
		To:             flat.To,
		Cc:             flat.Cc,
		Bcc:            flat.Bcc,
		BodyHTML:       flat.BodyHTML,
		BodyText:       flat.BodyText,
		Unread:         flat.Unread,
		Starred:        flat.Starred,
		Archived:       flat.Archived,
		HasAttachments: flat.HasAttachments,
		Attachments:    flat.Attachments,
		ThreadID:       flat.ThreadID,
	}

	// Fetch context wins for virtual folders too: a starred-view fetch
	// must not clobber the record's physical folder.
	if folder.Virtual() && flat.Folder != "" && Folder(flat.Folder).Valid() {
		rec.Folder = Folder(flat.Folder)
	}

	if rec.Subject == "" {
		rec.Subject = NoSubject
	}
	if rec.To == nil {
		rec.To = []string{}
	}
	if ts := flat.Timestamp.String(); ts != "" {
		if v, err := strconv.ParseInt(ts, 10, 64); err == nil {
			rec.Timestamp = v
		} else if f, err := flat.Timestamp.Float64(); err == nil {
			rec.Timestamp = int64(f)
		}
	}
	if rec.Timestamp == 0 && flat.Timestamp.String() == "" {
		rec.Timestamp = now().UnixMilli()
	}
	if len(rec.Attachments) > 0 {
		rec.HasAttachments = true
	}

	return rec, nil
}

// TransportTimestamp extracts the timestamp from a raw transport record
// without normalizing it. Records missing a timestamp report 0 so they
// sort oldest. Used by the fallback scan path, which must order records
// itself before truncation.
func TransportTimestamp(raw json.RawMessage) int64 {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return 0
	}
	tsRaw, ok := fields["timestamp"]
	if !ok {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(tsRaw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
		return 0
	}
	var av attrValue
	if err := json.Unmarshal(tsRaw, &av); err == nil && av.N != nil {
		if v, err := strconv.ParseInt(*av.N, 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// TransportString extracts a single string field from a raw transport
// record, resolving either shape. Returns "" when absent. Used by the
// fallback scan path to filter by accountId and folder client-side.
func TransportString(raw json.RawMessage, name string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	fieldRaw, ok := fields[name]
	if !ok {
		return ""
	}
	var plain string
	if err := json.Unmarshal(fieldRaw, &plain); err == nil {
		return plain
	}
	var av attrValue
	if err := json.Unmarshal(fieldRaw, &av); err == nil && av.S != nil {
		return *av.S
	}
	return ""
}

// TransportBool extracts a boolean field from a raw transport record,
// resolving either shape. Returns false when absent.
func TransportBool(raw json.RawMessage, name string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	fieldRaw, ok := fields[name]
	if !ok {
		return false
	}
	var plain bool
	if err := json.Unmarshal(fieldRaw, &plain); err == nil {
		return plain
	}
	var av attrValue
	if err := json.Unmarshal(fieldRaw, &av); err == nil && av.Bool != nil {
		return *av.Bool
	}
	return false
}

// unwrapAttributeMap flattens a tagged attribute map into flatRecord.
func unwrapAttributeMap(fields map[string]json.RawMessage) (flatRecord, error) {
	var flat flatRecord

	attrs := make(map[string]attrValue, len(fields))
	for name, raw := range fields {
		var av attrValue
		if err := json.Unmarshal(raw, &av); err != nil {
			return flat, err
		}
		attrs[name] = av
	}

	str := func(name string) string {
		if av, ok := attrs[name]; ok && av.S != nil {
			return *av.S
		}
		return ""
	}
	boolean := func(name string) bool {
		if av, ok := attrs[name]; ok && av.Bool != nil {
			return *av.Bool
		}
		return false
	}
	list := func(name string) []string {
		av, ok := attrs[name]
		if !ok {
			return nil
		}
		if len(av.SS) > 0 {
			return append([]string(nil), av.SS...)
		}
		if av.L == nil {
			return nil
		}
		out := make([]string, 0, len(av.L))
		for _, item := range av.L {
			var inner attrValue
			if err := json.Unmarshal(item, &inner); err == nil && inner.S != nil {
				out = append(out, *inner.S)
				continue
			}
			var plain string
			if err := json.Unmarshal(item, &plain); err == nil {
				out = append(out, plain)
			}
		}
		return out
	}

	flat.EmailID = str("emailId")
	flat.AccountID = str("accountId")
	flat.Folder = str("folder")
	flat.Subject = str("subject")
	flat.From = str("from")
	flat.FromName = str("fromName")
	flat.BodyHTML = str("bodyHtml")
	flat.BodyText = str("bodyText")
	flat.ThreadID = str("threadId")
	flat.To = list("to")
	flat.Cc = list("cc")
	flat.Bcc = list("bcc")
	flat.Unread = boolean("unread")
	flat.Starred = boolean("starred")
	flat.Archived = boolean("archived")
	flat.HasAttachments = boolean("hasAttachments")

	if av, ok := attrs["timestamp"]; ok && av.N != nil {
		flat.Timestamp = json.Number(*av.N)
	}

	if av, ok := attrs["attachments"]; ok {
		for _, item := range av.L {
			var inner attrValue
			if err := json.Unmarshal(item, &inner); err != nil || inner.M == nil {
				continue
			}
			att := Attachment{}
			if s := inner.M["filename"].S; s != nil {
				att.Filename = *s
			}
			if s := inner.M["contentType"].S; s != nil {
				att.ContentType = *s
			}
			if s := inner.M["storageKey"].S; s != nil {
				att.StorageKey = *s
			}
			if n := inner.M["size"].N; n != nil {
				att.Size, _ = strconv.ParseInt(*n, 10, 64)
			}
			flat.Attachments = append(flat.Attachments, att)
		}
	}

	return flat, nil
}
