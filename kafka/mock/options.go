package mockkafka

import (
	"time"

	"github.com/hugolhafner/go-subscriber/kafka"
)

// Option is a functional option for configuring a mock Client.
type Option func(*Client)

// WithGroupID sets the consumer group reported by GroupID. An empty group
// makes CommitOffsets fail with kafka.ErrNoGroup.
func WithGroupID(id string) Option {
	return func(c *Client) {
		c.groupID = id
	}
}

// WithoutGroup is shorthand for WithGroupID("").
func WithoutGroup() Option {
	return WithGroupID("")
}

// WithFetchWait sets how long FetchOne waits for data before returning
// kafka.ErrFetchTimeout. Default is 20ms.
func WithFetchWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.fetchWait = d
		}
	}
}

// WithAutoAssign assigns every known partition of the subscribed topics when
// Subscribe is called.
func WithAutoAssign() Option {
	return func(c *Client) {
		c.autoAssign = true
	}
}

// WithTopic declares a topic with the given number of partitions.
func WithTopic(topic string, partitions int32) Option {
	return func(c *Client) {
		c.partitions[topic] = partitions
	}
}

// WithFetchError configures an error to be returned by all FetchOne calls.
func WithFetchError(err error) Option {
	return func(c *Client) {
		c.fetchErr = func([]kafka.TopicPartition) error { return err }
	}
}

// WithCommitError configures an error to be returned by all CommitOffsets calls.
func WithCommitError(err error) Option {
	return func(c *Client) {
		c.commitErr = func(map[kafka.TopicPartition]kafka.Offset) error { return err }
	}
}

// WithPingError makes the first failures Ping calls return err.
func WithPingError(err error, failures int) Option {
	return func(c *Client) {
		c.pingErr = err
		c.pingFailures = failures
	}
}
