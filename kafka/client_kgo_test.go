//go:build unit

package kafka

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestStandaloneCommitRequest(t *testing.T) {
	t.Parallel()

	offsets := map[TopicPartition]Offset{
		{Topic: "orders", Partition: 0}: {Offset: 5, LeaderEpoch: 2},
		{Topic: "orders", Partition: 1}: {Offset: 7, LeaderEpoch: -1},
		{Topic: "audit", Partition: 0}:  {Offset: 1, LeaderEpoch: 0},
	}

	req := standaloneCommitRequest("billing", offsets)
	require.Equal(t, "billing", req.Group)
	require.Equal(t, int32(-1), req.Generation)
	require.Empty(t, req.MemberID)
	require.Len(t, req.Topics, 2)

	got := make(map[TopicPartition]Offset)
	for _, rt := range req.Topics {
		require.NotEmpty(t, rt.Topic)
		for _, rp := range rt.Partitions {
			got[TopicPartition{Topic: rt.Topic, Partition: rp.Partition}] = Offset{
				Offset:      rp.Offset,
				LeaderEpoch: rp.LeaderEpoch,
			}
		}
	}
	require.Equal(t, offsets, got)
}

func TestCommitResponseErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		codes   []int16
		wantErr error
	}{
		{name: "all committed", codes: []int16{0, 0}},
		{name: "one partition rejected", codes: []int16{0, kerr.UnknownTopicOrPartition.Code}, wantErr: kerr.UnknownTopicOrPartition},
		{name: "empty response", codes: nil},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()

				resp := kmsg.NewPtrOffsetCommitResponse()
				rt := kmsg.NewOffsetCommitResponseTopic()
				rt.Topic = "orders"
				for i, code := range tt.codes {
					rp := kmsg.NewOffsetCommitResponseTopicPartition()
					rp.Partition = int32(i)
					rp.ErrorCode = code
					rt.Partitions = append(rt.Partitions, rp)
				}
				resp.Topics = append(resp.Topics, rt)

				err := commitResponseErr(resp)
				if tt.wantErr == nil {
					require.NoError(t, err)
					return
				}
				require.ErrorIs(t, err, tt.wantErr)
				require.Contains(t, err.Error(), "orders-1")
			},
		)
	}
}
