/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package storage implements project persistence and the artifact cache.
// It handles create/open/save for the canonical JSON manifest (narrator.json) with transactional writes and timestamped backups,
// and keeps page rasters as files under pages/.
// It also manages the per‑project embedded SQLite cache at <project>/.gcn/cache.sqlite holding rendered panel crops and narration audio.
// Crops are derived from the manifest and page files and may be evicted at any time; audio is kept until its panel is gone.
package storage
