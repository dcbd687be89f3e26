package service

import (
	"context"
	"errors"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/adwski/chat-realtime/backend/transfer"
)

var ErrNotOwner = errors.New("transfer belongs to another user")

func (svc *Service) startTransfer(ctx context.Context, sess *Session, req *model.FileTransferStart) error {
	target := model.Target{ReceiverID: req.Message.ReceiverID, GroupID: req.Message.GroupID}
	if err := target.Validate(); err != nil {
		return err
	}
	if len(req.Message.Content) > svc.maxContent {
		return errors.Join(model.ErrValidation, ErrContentTooLong)
	}
	if err := svc.checkTarget(ctx, target); err != nil {
		return err
	}

	id, err := svc.transfers.Start(req.Name, req.TotalChunks, req.FileType, transfer.Meta{
		SenderID: sess.UserID,
		Target:   target,
		Caption:  req.Message.Content,
	})
	if err != nil {
		return err
	}
	svc.sw.SendTo(sess.ConnID, model.Event{
		Type: model.KindFileTransferInit,
		Payload: model.TransferInit{
			TransferID:  id,
			Name:        transfer.CleanName(req.Name),
			TotalChunks: req.TotalChunks,
		},
	})
	return nil
}

// addChunk applies one chunk; the chunk that completes the upload also
// stores the artifact and submits the file message. When the message
// is refused the transfer keeps the artifact and any chunk sent again
// resubmits it.
func (svc *Service) addChunk(ctx context.Context, sess *Session, req *model.FileChunk) error {
	meta, ok := svc.transfers.Meta(req.TransferID)
	if !ok {
		return errors.Join(model.ErrNotFound, transfer.ErrUnknown)
	}
	if meta.SenderID != sess.UserID {
		return errors.Join(model.ErrNotFound, ErrNotOwner)
	}

	p, err := svc.transfers.AddChunk(req.TransferID, req.ChunkIndex, req.Data)
	if err != nil {
		return err
	}
	svc.sw.SendTo(sess.ConnID, model.Event{
		Type: model.KindChunkReceived,
		Payload: model.ChunkAck{
			TransferID: req.TransferID,
			ChunkIndex: req.ChunkIndex,
			Received:   p.Received,
			Total:      p.Total,
			Complete:   p.Complete,
		},
	})
	if !p.Complete {
		return nil
	}

	ref, meta, err := svc.transfers.Materialize(ctx, req.TransferID)
	if err != nil {
		return err
	}
	_, err = svc.Submit(ctx, SubmitRequest{
		SenderID: meta.SenderID,
		Origin:   sess.ConnID,
		Target:   meta.Target,
		Type:     model.MessageFile,
		Content:  meta.Caption,
		File:     &ref,
	})
	if err != nil && svc.transfers.Retry(req.TransferID) {
		sess.logger.Debug().Err(err).Str("transferID", req.TransferID).Msg("file message pending, awaiting retry")
	}
	return err
}
