// Package pipeline owns the per-recording lifecycle: it validates stage
// transitions, persists them, and re-drives recordings that stall.
package pipeline

import "github.com/medscribe/medscribe/internal/model"

// Next returns the stage an event moves the recording to, and whether the
// transition is legal from the current stage. Delete is reachable from any
// stage; failed from any non-terminal one; everything else is a strict
// forward step.
func Next(from model.Stage, ev model.EventType) (model.Stage, bool) {
	switch ev {
	case model.EventDeleted:
		return model.StageDeleted, from != model.StageDeleted
	case model.EventFailed:
		return model.StageFailed, !from.Terminal()
	case model.EventRecordingStarted:
		return model.StageRecording, from == model.StageDraft
	case model.EventChunksComplete:
		return model.StageCombining, from == model.StageRecording
	case model.EventCombined:
		return model.StageCombined, from == model.StageCombining
	case model.EventTranscribing:
		return model.StageTranscribing, from == model.StageCombined
	case model.EventTranscribed:
		return model.StageSummarizing, from == model.StageTranscribing
	case model.EventSummarized:
		return model.StageReviewable, from == model.StageSummarizing
	case model.EventSigned:
		return model.StageSigned, from == model.StageReviewable
	}
	return from, false
}
