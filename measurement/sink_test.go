package measurement

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

func TestCSVHeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sionna_log.csv")

	s, err := OpenCSV(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(Row{TxID: "0", RxID: "obj1", OraclePathLoss: 85.3, LOS: model.LOSUnknown}))
	require.NoError(t, s.Close())

	s, err = OpenCSV(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(Row{TxID: "0", RxID: "obj2", OraclePathLoss: 90, LOS: "False"}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
	assert.Equal(t, ",,0,obj1,,85.3,Unknown", lines[1])
	assert.Equal(t, ",,0,obj2,,90,False", lines[2])
}

func TestCSVAppendAfterClose(t *testing.T) {
	s, err := OpenCSV(filepath.Join(t.TempDir(), "log.csv"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.Append(Row{}))
	assert.NoError(t, s.Close())
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "measurements.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(Row{TxID: "0", RxID: "obj1", OraclePathLoss: 85.3, LOS: model.LOSUnknown}))
	require.NoError(t, s.Append(Row{
		HostDelayMS:    Float(1),
		OracleDelayMS:  Float(2),
		TxID:           "a",
		RxID:           "b",
		HostPathLoss:   Float(70),
		OraclePathLoss: 71,
		LOS:            "True",
	}))

	rows, err := s.Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "obj1", rows[0].RxID)
	assert.Nil(t, rows[0].HostDelayMS)
	require.NotNil(t, rows[1].HostPathLoss)
	assert.Equal(t, 70.0, *rows[1].HostPathLoss)
	assert.Equal(t, model.LOSStatus("True"), rows[1].LOS)
}
