package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/leandrotocalini/wabridge/internal/connection"
)

// keepAliveMaxErrors is how many consecutive keepalive failures count as a
// dropped connection.
const keepAliveMaxErrors = 3

// mapQRItem translates a pairing channel item into a lifecycle event.
// It returns nil for items that carry no lifecycle meaning.
func mapQRItem(item whatsmeow.QRChannelItem) connection.Event {
	switch {
	case item.Event == "code":
		return connection.QR{Code: item.Code}
	case item.Event == "success":
		return connection.Authenticated{}
	case item.Event == "timeout":
		return connection.AuthFailure{Message: "QR code was not scanned in time"}
	case item.Event == "error":
		return connection.AuthFailure{Message: fmt.Sprintf("pairing error: %v", item.Error)}
	case strings.HasPrefix(item.Event, "err-"):
		return connection.AuthFailure{Message: "pairing failed: " + strings.TrimPrefix(item.Event, "err-")}
	}
	return nil
}

// mapEvent translates a whatsmeow event into a lifecycle event. It returns
// nil for events the lifecycle does not track.
func mapEvent(evt interface{}) connection.Event {
	switch v := evt.(type) {
	case *events.Connected:
		return connection.Ready{}

	case *events.PairError:
		return connection.AuthFailure{Message: fmt.Sprintf("pairing rejected: %v", v.Error)}
	case *events.ClientOutdated:
		return connection.AuthFailure{Message: "client version is outdated"}
	case *events.TemporaryBan:
		return connection.AuthFailure{Message: "temporary ban: " + v.String()}
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return connection.AuthFailure{Message: fmt.Sprintf("session rejected: %s", v.Reason)}
		}
		return connection.Disconnected{Reason: connection.ReasonNetwork}

	case *events.LoggedOut:
		if v.OnConnect {
			return connection.AuthFailure{Message: fmt.Sprintf("session rejected on connect: %s", v.Reason)}
		}
		return connection.Disconnected{Reason: connection.ReasonLogout}
	case *events.StreamReplaced:
		return connection.Disconnected{Reason: connection.ReasonConflict}
	case *events.Disconnected:
		return connection.Disconnected{Reason: connection.ReasonNetwork}
	case *events.KeepAliveTimeout:
		if v.ErrorCount >= keepAliveMaxErrors {
			return connection.Disconnected{Reason: connection.ReasonKeepAliveTimeout}
		}

	case *events.OfflineSyncPreview:
		return connection.Loading{Percent: 0, Message: fmt.Sprintf("syncing %d offline events", v.Total)}
	case *events.OfflineSyncCompleted:
		return connection.Loading{Percent: 100, Message: fmt.Sprintf("synced %d offline events", v.Count)}
	case *events.HistorySync:
		if v.Data == nil {
			return nil
		}
		return connection.Loading{
			Percent: int(v.Data.GetProgress()),
			Message: "history sync " + strings.ToLower(v.Data.GetSyncType().String()),
		}
	}
	return nil
}
