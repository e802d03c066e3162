package storage

import (
	"encoding/json"
	"errors"

	"diodos/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeEpisode(record model.EpisodeRecord) ([]byte, error) {
	return json.Marshal(record)
}

func DecodeEpisode(data []byte) (model.EpisodeRecord, error) {
	var record model.EpisodeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.EpisodeRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.EpisodeRecord{}, err
	}
	return record, nil
}

func EncodeStepTrace(steps []model.StepRecord) ([]byte, error) {
	return json.Marshal(steps)
}

func DecodeStepTrace(data []byte) ([]model.StepRecord, error) {
	var steps []model.StepRecord
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// Stamp fills in the current schema and codec versions on a record before
// it is saved.
func Stamp(record model.EpisodeRecord) model.EpisodeRecord {
	record.SchemaVersion = CurrentSchemaVersion
	record.CodecVersion = CurrentCodecVersion
	return record
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
