package datastore

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

func TestDataStreamInfoRoundTrip(t *testing.T) {
	codec := JSONCodec[DataStreamInfo]{}
	in := DataStreamInfo{
		Name:         "Outdoor Temperature",
		OutputName:   "temp",
		Description:  "Hourly air temperature",
		SystemID:     NewBigID(1, 42),
		ValidTime:    ValidTimeEndingNow(time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)),
		RecordSchema: json.RawMessage(`{"type":"Quantity"}`),
	}

	doc, err := codec.Encode(in)
	require.NoError(t, err)
	out, err := codec.Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "1:42/temp", out.NaturalKey())
}

func TestObsDataRoundTrip(t *testing.T) {
	codec := JSONCodec[ObsData]{}
	in := ObsData{
		DataStreamID:   NewBigID(0, 7),
		FoiID:          NewBigID(0, 9),
		PhenomenonTime: time.Date(2023, 3, 1, 12, 30, 0, 0, time.UTC),
		ResultTime:     time.Date(2023, 3, 1, 12, 30, 5, 0, time.UTC),
		Result:         json.RawMessage(`{"value":21.5}`),
	}

	doc, err := codec.Encode(in)
	require.NoError(t, err)
	out, err := codec.Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.HasFoi())
}

func TestCommandRoundTrip(t *testing.T) {
	cmdCodec := JSONCodec[CommandData]{}
	in := CommandData{
		CommandStreamID: NewBigID(2, 5),
		SenderID:        "operator-1",
		IssueTime:       time.Date(2023, 5, 2, 8, 0, 0, 0, time.UTC),
		Params:          json.RawMessage(`{"setpoint":50}`),
	}
	doc, err := cmdCodec.Encode(in)
	require.NoError(t, err)
	out, err := cmdCodec.Decode(doc)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	stCodec := JSONCodec[CommandStatus]{}
	st := CommandStatus{
		CommandID:  NewBigID(2, 99),
		ReportTime: time.Date(2023, 5, 2, 8, 0, 3, 0, time.UTC),
		StatusCode: "COMPLETED",
		Message:    "done",
	}
	stDoc, err := stCodec.Encode(st)
	require.NoError(t, err)
	stOut, err := stCodec.Decode(stDoc)
	require.NoError(t, err)
	assert.Equal(t, st, stOut)
}

func TestFeatureRoundTripWithGeometry(t *testing.T) {
	geo, err := geojson.Encode(geom.NewPointFlat(geom.XY, []float64{7.42, 46.95}))
	require.NoError(t, err)

	codec := JSONCodec[Feature]{}
	in := Feature{
		UniqueID:    "urn:osh:sensor:station-001",
		Name:        "Station 001",
		Description: "Weather station",
		Geometry:    geo,
		ValidTime:   ValidTimePeriod(t0, t1),
		Properties:  map[string]any{"operator": "metoffice"},
	}

	doc, err := codec.Encode(in)
	require.NoError(t, err)
	out, err := codec.Decode(doc)
	require.NoError(t, err)

	assert.Equal(t, in.UniqueID, out.UniqueID)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.ValidTime, out.ValidTime)
	assert.Equal(t, in.Properties, out.Properties)
	require.NotNil(t, out.Geometry)
	inGeom, err := in.Geometry.Decode()
	require.NoError(t, err)
	outGeom, err := out.Geometry.Decode()
	require.NoError(t, err)
	assert.Equal(t, inGeom.FlatCoords(), outGeom.FlatCoords())
}

func TestValidTimeJSONRoundTrip(t *testing.T) {
	in := ValidTimeEndingNow(t0)
	doc, err := json.Marshal(in)
	require.NoError(t, err)

	var out ValidTime
	require.NoError(t, json.Unmarshal(doc, &out))
	assert.Equal(t, in, out)
	assert.True(t, out.EndsNow())
}
