package kafka

import (
	"github.com/twmb/franz-go/pkg/kgo"
)

func fromKgoRecord(r *kgo.Record) ConsumerRecord {
	headers := make([]Header, len(r.Headers))
	for i, h := range r.Headers {
		headers[i] = Header{Key: h.Key, Value: h.Value}
	}

	return ConsumerRecord{
		Key:         r.Key,
		Value:       r.Value,
		Headers:     headers,
		Topic:       r.Topic,
		Partition:   r.Partition,
		Offset:      r.Offset,
		LeaderEpoch: r.LeaderEpoch,
		Timestamp:   r.Timestamp,
	}
}

func topicPartitionsToMap(tps []TopicPartition) map[string][]int32 {
	m := make(map[string][]int32)
	for _, tp := range tps {
		m[tp.Topic] = append(m[tp.Topic], tp.Partition)
	}
	return m
}

func mapToTopicPartitions(m map[string][]int32) []TopicPartition {
	var tps []TopicPartition
	for topic, partitions := range m {
		for _, partition := range partitions {
			tps = append(tps, TopicPartition{Topic: topic, Partition: partition})
		}
	}
	return tps
}

// toEpochOffsets builds the per-topic, per-partition offset map CommitOffsets
// expects.
func toEpochOffsets(offsets map[TopicPartition]Offset) map[string]map[int32]kgo.EpochOffset {
	m := make(map[string]map[int32]kgo.EpochOffset)
	for tp, o := range offsets {
		if m[tp.Topic] == nil {
			m[tp.Topic] = make(map[int32]kgo.EpochOffset)
		}
		m[tp.Topic][tp.Partition] = kgo.EpochOffset{Epoch: o.LeaderEpoch, Offset: o.Offset}
	}
	return m
}
