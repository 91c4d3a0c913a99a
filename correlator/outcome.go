package correlator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pggate/pggate/querier"
)

// Outcome is the transport-ready rendering of one completed query.
type Outcome struct {
	// Status is the HTTP-style status the transport should answer with.
	Status int
	// Body is the JSON body: the raw envelope for request-shaped results,
	// or an array of row objects for list-shaped ones.
	Body []byte
	// AppError marks an embedded application error carried inside an
	// otherwise successful query.
	AppError bool
	// Message is the embedded error message when AppError is set.
	Message string
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

const defaultErrorMessage = "Invalid request."

// errorOutcome builds a synthetic error envelope mirroring the embedded
// application error shape, so clients see one format either way.
func errorOutcome(status int, message string) Outcome {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
	return Outcome{Status: status, Body: body, AppError: false, Message: message}
}

// statusFromCode maps a normalized embedded error code to a response status.
// Zero means success; the handful of pass-through statuses keep their value
// and everything else collapses to a generic bad request.
func statusFromCode(code int) int {
	switch code {
	case 0:
		return 200
	case 401, 403, 404, 500:
		return code
	default:
		return 400
	}
}

// checkError inspects a request-shaped payload for an embedded error
// envelope. Codes at or above 10000 carry two extra application digits and
// are divided down before status mapping. A present envelope with a missing
// code or message falls back to the generic defaults.
func checkError(payload []byte) (code int, message string) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(payload, &env); err != nil {
		return 0, ""
	}
	if _, ok := env["error"]; !ok {
		return 0, ""
	}
	var ee errorEnvelope
	if err := json.Unmarshal(payload, &ee); err != nil {
		return 40000, defaultErrorMessage
	}
	if ee.Error.Code == 0 {
		ee.Error.Code = 40000
	}
	if ee.Error.Message == "" {
		ee.Error.Message = defaultErrorMessage
	}
	if ee.Error.Code >= 10000 {
		ee.Error.Code = ee.Error.Code / 100
	}
	return ee.Error.Code, ee.Error.Message
}

// decode renders a successful query result for its path shape.
func decode(res *querier.Result, path string) (Outcome, error) {
	if isListPath(path) {
		body, err := rowsToArray(res)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: 200, Body: body}, nil
	}

	value, ok := res.Single()
	if !ok {
		// A request-shaped result with an unexpected row count is still
		// serialized rather than dropped.
		body, err := rowsToArray(res)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: 200, Body: body}, nil
	}

	body := valueJSON(value)
	code, message := checkError(body)
	if code == 0 {
		return Outcome{Status: 200, Body: body}, nil
	}
	return Outcome{Status: statusFromCode(code), Body: body, AppError: true, Message: message}, nil
}

// isListPath reports whether the path selects list serialization.
func isListPath(path string) bool {
	return strings.Contains(strings.ToLower(path), "/list")
}

// rowsToArray serializes every row as an object keyed by column name.
// Cell values that already parse as JSON pass through verbatim; anything
// else is quoted as a string.
func rowsToArray(res *querier.Result) ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('[')
	for ri, row := range res.Rows {
		if ri > 0 {
			sb.WriteByte(',')
		}
		if len(row) != len(res.Columns) {
			return nil, fmt.Errorf("row %d has %d values for %d columns", ri, len(row), len(res.Columns))
		}
		sb.WriteByte('{')
		for ci, col := range row {
			if ci > 0 {
				sb.WriteByte(',')
			}
			name, err := json.Marshal(res.Columns[ci])
			if err != nil {
				return nil, err
			}
			sb.Write(name)
			sb.WriteByte(':')
			sb.Write(valueJSON(col))
		}
		sb.WriteByte('}')
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

// valueJSON returns the cell as raw JSON when it already is valid JSON, and
// as a JSON string otherwise.
func valueJSON(cell string) []byte {
	if json.Valid([]byte(cell)) {
		return []byte(cell)
	}
	return []byte(strconv.Quote(cell))
}
