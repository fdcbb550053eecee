package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/datamodel"
	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/syncclient"
)

// collab-agent is a terminal participant for a collaboration room. Every
// line typed replaces the document content and is synced after the
// debounce; remote edits and presence changes are printed as they arrive.
func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)

	serviceURL, err := env.GetAsString("COLLAB_URL", false, "ws://localhost:8090/ws")
	if err != nil {
		zap.S().Fatalf("Failed to get COLLAB_URL from env: %s", err)
	}
	docID, err := env.GetAsString("COLLAB_DOC_ID", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get COLLAB_DOC_ID from env: %s", err)
	}
	userID, err := env.GetAsInt("COLLAB_USER_ID", true, 0)
	if err != nil {
		zap.S().Fatalf("Failed to get COLLAB_USER_ID from env: %s", err)
	}
	userName, err := env.GetAsString("COLLAB_USER_NAME", false, "agent")
	if err != nil {
		zap.S().Fatalf("Failed to get COLLAB_USER_NAME from env: %s", err)
	}

	user := &datamodel.UserInfo{ID: int64(userID), Name: userName, Color: "#7f32a8"}

	engine, err := syncclient.Dial(serviceURL, user, syncclient.Callbacks{
		OnRemoteUpdate: func(content string, senderID int64) {
			if senderID == datamodel.ServerSenderID {
				fmt.Printf("--- document synced (%d bytes) ---\n%s\n", len(content), content)
				return
			}
			fmt.Printf("--- update from user %d ---\n%s\n", senderID, content)
		},
		OnActiveUsers: func(users []*datamodel.UserInfo) {
			for _, u := range users {
				fmt.Printf("* %s (user %d) is here\n", u.Name, u.ID)
			}
		},
		OnUserJoined: func(u *datamodel.UserInfo) {
			fmt.Printf("* %s (user %d) joined\n", u.Name, u.ID)
		},
		OnUserLeft: func(id int64) {
			fmt.Printf("* user %d left\n", id)
		},
	})
	if err != nil {
		zap.S().Fatalf("Failed to connect to %s: %s", serviceURL, err)
	}
	defer engine.Close()

	if err := engine.Join(docID); err != nil {
		zap.S().Fatalf("Failed to join document %s: %s", docID, err)
	}
	zap.S().Infof("Joined document %s as %s", docID, userName)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		engine.SetContent(scanner.Text())
	}

	if err := engine.Leave(); err != nil {
		zap.S().Warnf("Failed to leave document %s: %s", docID, err)
	}
}
