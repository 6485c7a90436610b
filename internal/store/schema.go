/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package store

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS account_info (
	rid      INTEGER PRIMARY KEY,
	name     TEXT,
	email    TEXT,
	username TEXT
);

CREATE TABLE IF NOT EXISTS change_info (
	rid               INTEGER PRIMARY KEY AUTOINCREMENT,
	poll_id           INTEGER,
	queue_time        DATETIME,
	priority          INTEGER,
	change_id         TEXT,
	project           TEXT,
	branch            TEXT,
	subject           TEXT,
	current_revision  TEXT,
	owner             INTEGER REFERENCES account_info(rid),
	message_meta      TEXT
);
CREATE INDEX IF NOT EXISTS idx_change_info_poll_id ON change_info(poll_id);
CREATE INDEX IF NOT EXISTS idx_change_info_change_id ON change_info(change_id);
CREATE INDEX IF NOT EXISTS idx_change_info_project_branch ON change_info(project, branch);

CREATE TABLE IF NOT EXISTS merge_history (
	rid          INTEGER PRIMARY KEY AUTOINCREMENT,
	project      TEXT,
	branch       TEXT,
	start_time   DATETIME,
	end_time     DATETIME,
	status       INTEGER,
	progress     INTEGER,
	msg_meta     TEXT
);
CREATE INDEX IF NOT EXISTS idx_merge_history_project_branch ON merge_history(project, branch);
CREATE INDEX IF NOT EXISTS idx_merge_history_status ON merge_history(status);

CREATE TABLE IF NOT EXISTS merge_change (
	rid            INTEGER PRIMARY KEY AUTOINCREMENT,
	merge_rid      INTEGER REFERENCES merge_history(rid),
	change_id      TEXT,
	project        TEXT,
	owner_id       INTEGER REFERENCES account_info(rid),
	feature_branch TEXT,
	request_time   DATETIME,
	revision       TEXT,
	msg_meta       TEXT
);
CREATE INDEX IF NOT EXISTS idx_merge_change_merge_rid ON merge_change(merge_rid);

CREATE TABLE IF NOT EXISTS cancellations (
	rid  INTEGER PRIMARY KEY,
	who  TEXT,
	when_ts DATETIME
);
`

func createSchema(db *sql.DB) error {
	if _, err := db.Exec(createSchemaSQL); err != nil {
		return fmt.Errorf("creating schema: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT count(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("checking schema_version: %v", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("seeding schema_version: %v", err)
		}
	}
	return nil
}
