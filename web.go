package greylist

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
)

// AdminServer is the administrator's view of the database: inspect recent
// mail and deny single mails by id. The filter itself never writes the Denied status;
// a denied message id gets its retries discarded by the classifier.
//
// Bind this to localhost or a unix socket, there is no authentication.
type AdminServer struct {
	DB Database
}

// NewServer builds the HTTP server for the admin interface.
func (a *AdminServer) NewServer() *http.Server {
	router := httprouter.New()
	router.GET("/api/mails", a.getMails)
	router.POST("/api/mails/:id/deny", a.denyMail)
	return &http.Server{Handler: router}
}

type adminMail struct {
	ID              int64    `json:"id"`
	Sender          string   `json:"sender"`
	MessageID       string   `json:"message_id"`
	SendingHostName *string  `json:"sending_host_name"`
	SendingIP       string   `json:"sending_ip"`
	TimeReceived    string   `json:"time_received"`
	TimeAccepted    *string  `json:"time_accepted"`
	Status          int16    `json:"status"`
	StatusName      string   `json:"status_name"`
	Recipients      []string `json:"recipients"`
}

func (a *AdminServer) getMails(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {

	limit := 50
	if arg := r.URL.Query().Get("limit"); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	mails, err := a.DB.RecentMails(limit)
	if err != nil {
		log.Printf("admin: listing mails: %v", err)
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}

	result := []adminMail{}
	for _, mail := range mails {
		recipients, err := a.DB.MailRecipients(mail.ID)
		if err != nil {
			log.Printf("admin: listing recipients of mail %d: %v", mail.ID, err)
			http.Error(w, "database error", http.StatusInternalServerError)
			return
		}
		entry := adminMail{
			ID:              mail.ID,
			Sender:          mail.SenderLocalPart + "@" + mail.SenderDomain,
			MessageID:       mail.MessageID,
			SendingHostName: mail.SendingHostName,
			SendingIP:       mail.SendingIP,
			TimeReceived:    mail.TimeReceived.String(),
			Status:          int16(mail.Status),
			StatusName:      mail.Status.String(),
			Recipients:      recipients,
		}
		if mail.TimeAccepted != nil {
			accepted := mail.TimeAccepted.String()
			entry.TimeAccepted = &accepted
		}
		result = append(result, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (a *AdminServer) denyMail(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {

	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad mail id", http.StatusBadRequest)
		return
	}

	// Denied mail is not accepted, so time_accepted goes away with it
	if err := a.DB.UpdateStatus(id, Denied, nil); err != nil {
		if errors.Is(err, ErrMailNotFound) {
			http.Error(w, "no such mail", http.StatusNotFound)
		} else {
			log.Printf("admin: denying mail %d: %v", id, err)
			http.Error(w, "database error", http.StatusInternalServerError)
		}
		return
	}

	log.Printf("admin: mail %d denied", id)
	w.WriteHeader(http.StatusNoContent)
}
