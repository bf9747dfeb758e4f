package datastore

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// DataStreamInfo describes one output of a system: its record schema and the
// validity interval during which the system produced it.
type DataStreamInfo struct {
	Name         string          `json:"name"`
	OutputName   string          `json:"outputName"`
	Description  string          `json:"description,omitempty"`
	SystemID     BigID           `json:"systemID"`
	ValidTime    ValidTime       `json:"validTime"`
	RecordSchema json.RawMessage `json:"recordSchema,omitempty"`
}

// NaturalKey identifies a datastream across versions.
func (d DataStreamInfo) NaturalKey() string {
	return d.SystemID.String() + "/" + d.OutputName
}

// ObsData is a single observation produced by a datastream.
type ObsData struct {
	DataStreamID   BigID           `json:"dataStreamID"`
	FoiID          BigID           `json:"foiID,omitempty"`
	PhenomenonTime time.Time       `json:"phenomenonTime"`
	ResultTime     time.Time       `json:"resultTime,omitempty"`
	Result         json.RawMessage `json:"result"`
}

func (o ObsData) HasFoi() bool { return !o.FoiID.IsZero() }

// CommandStreamInfo describes one taskable control input of a system.
type CommandStreamInfo struct {
	Name             string          `json:"name"`
	ControlInputName string          `json:"controlInputName"`
	Description      string          `json:"description,omitempty"`
	SystemID         BigID           `json:"systemID"`
	ValidTime        ValidTime       `json:"validTime"`
	RecordSchema     json.RawMessage `json:"recordSchema,omitempty"`
}

func (c CommandStreamInfo) NaturalKey() string {
	return c.SystemID.String() + "/" + c.ControlInputName
}

// CommandData is a command sent to a command stream.
type CommandData struct {
	CommandStreamID BigID           `json:"commandStreamID"`
	SenderID        string          `json:"senderID,omitempty"`
	IssueTime       time.Time       `json:"issueTime"`
	Params          json.RawMessage `json:"params"`
}

// CommandStatus is a status report for a previously issued command.
type CommandStatus struct {
	CommandID  BigID     `json:"commandID"`
	ReportTime time.Time `json:"reportTime"`
	StatusCode string    `json:"statusCode"`
	Message    string    `json:"message,omitempty"`
}

// Feature is a versioned, geo-referenced domain feature (system description,
// feature of interest, deployment). The geometry is carried as GeoJSON and
// converted to WKT/WKB only at the SQL boundary.
type Feature struct {
	UniqueID    string            `json:"uniqueID"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Geometry    *geojson.Geometry `json:"geometry,omitempty"`
	ValidTime   ValidTime         `json:"validTime"`
	Properties  map[string]any    `json:"properties,omitempty"`
}

type validTimeJSON struct {
	Begin   time.Time `json:"begin"`
	End     time.Time `json:"end,omitempty"`
	EndsNow bool      `json:"endsNow,omitempty"`
}

func (v ValidTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(validTimeJSON{Begin: v.begin, End: v.end, EndsNow: v.endsNow})
}

func (v *ValidTime) UnmarshalJSON(data []byte) error {
	var dto validTimeJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	*v = ValidTime{begin: dto.Begin, end: dto.End, endsNow: dto.EndsNow}
	return nil
}
