// Package events defines the notifications published on the session bus for
// the presentation layer and in-process observers.
//
// Available notification types:
//   - OfferAdded / OfferRemoved: changes to the open offer set
//   - JobStatusChanged / JobCompleted / JobCancelled: active job lifecycle
//   - TransitionFailed: a status change that was never acknowledged
//   - MessageReceived: a new chat message for a job
//   - ConnectivityChanged: dispatch channel state changes
//   - AvailabilityChanged: the worker went online or offline
package events
