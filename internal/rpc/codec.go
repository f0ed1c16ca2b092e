package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// 所有訊息都是 google.protobuf.Struct，欄位名稱與 HTTP API 的 JSON 一致

// toStruct 透過 JSON 把任意值轉為 Struct
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct 把 Struct 解回 Go 型別
func fromStruct(s *structpb.Struct, dst interface{}) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func structField(s *structpb.Struct, key string) map[string]interface{} {
	if s == nil {
		return nil
	}
	v := s.GetFields()[key].GetStructValue()
	if v == nil {
		return nil
	}
	return v.AsMap()
}

func encodeJob(job *types.Job) (*structpb.Value, error) {
	if job == nil {
		return structpb.NewNullValue(), nil
	}
	s, err := toStruct(job)
	if err != nil {
		return nil, err
	}
	return structpb.NewStructValue(s), nil
}

func decodeJob(v *structpb.Value) (*types.Job, error) {
	s := v.GetStructValue()
	if s == nil {
		return nil, nil
	}
	var job types.Job
	if err := fromStruct(s, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func encodeEvent(evt types.Event) (*structpb.Struct, error) {
	return toStruct(evt)
}

func decodeEvent(s *structpb.Struct) (types.Event, error) {
	var evt types.Event
	err := fromStruct(s, &evt)
	return evt, err
}
