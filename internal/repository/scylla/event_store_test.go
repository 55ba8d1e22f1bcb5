package scylla

import (
	"testing"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
)

type recordingQuery struct {
	size     int
	state    []byte
	stateSet bool
}

func (q *recordingQuery) PageSize(n int) *recordingQuery {
	q.size = n
	return q
}

func (q *recordingQuery) PageState(state []byte) *recordingQuery {
	q.state = state
	q.stateSet = true
	return q
}

func TestPaginateAlwaysSetsPageState(t *testing.T) {
	reused := &recordingQuery{state: []byte("stale")}
	q := paginate(reused, 25, nil)
	assert.Equal(t, 25, q.size)
	assert.True(t, q.stateSet)
	assert.Nil(t, q.state)

	q = paginate(&recordingQuery{}, 10, []byte{0x01, 0x02})
	assert.Equal(t, []byte{0x01, 0x02}, q.state)
}

var _ pager[*gocql.Query] = (*gocql.Query)(nil)
