// Copyright 2021-2022 The wamprouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/wamprouter/common"
	"github.com/alwitt/wamprouter/core"
	"github.com/alwitt/wamprouter/wamp"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATS message headers of a mirrored publication
const (
	HeaderRealm         = "Wamp-Realm"
	HeaderTopic         = "Wamp-Topic"
	HeaderPublicationID = "Wamp-Publication-Id"
)

// PublicationRecord the mirrored form of one publication
type PublicationRecord struct {
	Realm         string    `json:"realm" validate:"required"`
	Topic         string    `json:"topic" validate:"required"`
	PublicationID wamp.ID   `json:"publication_id" validate:"gte=1"`
	Args          wamp.List `json:"args,omitempty"`
	ArgsKw        wamp.Dict `json:"kwargs,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
}

// SubjectFor the NATS subject publications of a realm's topic are mirrored to. The
// realm name is one subject token; the dotted topic URI spans the following tokens.
func SubjectFor(prefix, realm, topic string) string {
	realmToken := strings.ReplaceAll(common.SanitizeSubjectToken(realm), ".", "_")
	return fmt.Sprintf("%s.%s.%s", prefix, realmToken, common.SanitizeSubjectToken(topic))
}

// PublicationMirror copies every routed publication onto NATS
type PublicationMirror interface {
	// OnPublication mirror one publication
	OnPublication(realm, topic string, publicationID wamp.ID, payload wamp.Payload)
}

// natsPublicationMirror implements PublicationMirror
type natsPublicationMirror struct {
	common.Component
	nats          *core.NatsClient
	subjectPrefix string
	validate      *validator.Validate
}

// DefineNATSPublicationMirror define a PublicationMirror publishing to NATS core subjects
//
//	@param natsClient *core.NatsClient - the NATS client
//	@param subjectPrefix string - first subject token of every mirrored publication
func DefineNATSPublicationMirror(
	natsClient *core.NatsClient, subjectPrefix string,
) (PublicationMirror, error) {
	if natsClient == nil {
		return nil, fmt.Errorf("publication mirror requires a NATS client")
	}
	if subjectPrefix == "" || strings.ContainsAny(subjectPrefix, "*> \t") {
		return nil, fmt.Errorf("invalid subject prefix '%s'", subjectPrefix)
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "publication-mirror", "instance": subjectPrefix,
	}
	return &natsPublicationMirror{
		Component:     common.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
		validate:      validator.New(),
	}, nil
}

func (m *natsPublicationMirror) OnPublication(
	realm, topic string, publicationID wamp.ID, payload wamp.Payload,
) {
	record := PublicationRecord{
		Realm:         realm,
		Topic:         topic,
		PublicationID: publicationID,
		Args:          payload.Args,
		ArgsKw:        payload.ArgsKw,
		PublishedAt:   time.Now().UTC(),
	}
	if err := m.validate.Struct(&record); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Invalid publication record")
		return
	}
	data, err := json.Marshal(&record)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Unable to serialize publication %d of '%s'", publicationID, topic,
		)
		return
	}
	msg := nats.NewMsg(SubjectFor(m.subjectPrefix, realm, topic))
	msg.Data = data
	msg.Header.Set(HeaderRealm, realm)
	msg.Header.Set(HeaderTopic, topic)
	msg.Header.Set(HeaderPublicationID, fmt.Sprintf("%d", publicationID))
	if err := m.nats.Conn().PublishMsg(msg); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf(
			"Failed to mirror publication %d of '%s' to %s", publicationID, topic, msg.Subject,
		)
	}
}
