package clog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStdKeys(t *testing.T) {
	assert := assert.New(t)
	ctx := AddStreamID(context.Background(), "stream1")
	ctx = AddProducerID(ctx, "prod1")
	ctx = AddKind(ctx, "video")
	ctx = AddAttemptID(ctx, "att1")
	ctx = AddVal(ctx, "customKey", "customVal")
	msg := formatMessage(ctx, "testing message num=%d", 452)
	assert.Equal("streamID=stream1 producerID=prod1 kind=video attemptID=att1 customKey=customVal testing message num=452", msg)
	ctxCloned := Clone(context.Background(), ctx)
	ctxCloned = AddStreamID(ctxCloned, "stream2")
	msgCloned := formatMessage(ctxCloned, "testing message num=%d", 4521)
	assert.Equal("streamID=stream2 producerID=prod1 kind=video attemptID=att1 customKey=customVal testing message num=4521", msgCloned)
	// old context shouldn't change
	msg = formatMessage(ctx, "testing message num=%d", 452)
	assert.Equal("streamID=stream1 producerID=prod1 kind=video attemptID=att1 customKey=customVal testing message num=452", msg)
}

func TestNoContextValues(t *testing.T) {
	assert := assert.New(t)
	msg := formatMessage(context.Background(), "plain message")
	assert.Equal("plain message", msg)
	msg = formatMessage(nil, "nil context")
	assert.Equal("nil context", msg)
}
